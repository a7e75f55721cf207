package types

// Event is the generic payload the controller emits for state changes.
// Attributes hold flat string pairs so downstream consumers can index them
// without knowing the concrete event type.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
