package model

// UserKind identifies the caller role supplied by the authentication layer.
type UserKind struct {
	Kind    string // KindCarOwner or KindGarageEmployee
	IsAdmin bool   // garage employees only
}

const (
	KindCarOwner       = "car_owner"
	KindGarageEmployee = "garage_employee"
)

func (u UserKind) IsGarageAdmin() bool {
	return u.Kind == KindGarageEmployee && u.IsAdmin
}

func (u UserKind) IsGarageStaff() bool {
	return u.Kind == KindGarageEmployee
}
