package outbox

// Event is a delivery-status event (notification.sent.v1 or
// notification.failed.v1) written to the outbox table before the
// publisher ships it to Kafka. The topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
