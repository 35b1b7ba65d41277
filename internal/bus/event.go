package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind uses dotted namespaces so subscribers can filter by prefix:
// "chat." for inbound transport frames, "conn." for connection status
// changes, "store." for conversation state updates.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
