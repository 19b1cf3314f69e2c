package activator

import "context"

// Manual is used for services staff fulfil by hand, such as set-top-box
// activation. The purchase stays PENDING until an admin completes it.
type Manual struct {
	Reason string
}

func (m Manual) Activate(_ context.Context, _ Request) Result {
	reason := m.Reason
	if reason == "" {
		reason = "manual activation required"
	}
	return Pending(reason)
}
