package outbox

// Event is the lifecycle event envelope written to the outbox table in
// the same transaction as the state change it describes. The Kafka topic
// equals EventType; delivery is at-least-once, so consumers dedupe on the
// event id header.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
