package outbox

import "encoding/json"

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (one event type per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateAppointment = "appointment"

	EventBooked          = "garage.appointment.booked.v1"
	EventCancelled       = "garage.appointment.cancelled.v1"
	EventStatusChanged   = "garage.appointment.status_changed.v1"
	EventTasksExpanded   = "garage.appointment.tasks_expanded.v1"
	EventTasksIncomplete = "garage.appointment.tasks_incomplete.v1"
)

// NewAppointmentEvent marshals payload into an appointment-scoped event.
func NewAppointmentEvent(appointmentID, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   appointmentID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}
