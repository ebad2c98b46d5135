package domain

// EventSource identifies where a settlement event was observed.
type EventSource string

const (
	EventSourceEngine EventSource = "ENGINE"
	EventSourceChain  EventSource = "CHAIN"
)

// String returns the string representation of EventSource.
func (s EventSource) String() string {
	return string(s)
}

// IsValid checks if the source is a valid value.
func (s EventSource) IsValid() bool {
	return s == EventSourceEngine || s == EventSourceChain
}
