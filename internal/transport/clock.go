package transport

import "time"

// Clock abstracts reconnect timing so tests can drive the retry loop
// without sleeping.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
