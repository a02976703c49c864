package cine

import "time"

// Clock abstracts the time source so tick gating can be tested without
// real time.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
