package dispatch

import "errors"

var (
	// ErrUnknownTask means no reservation, inflight entry, or durable
	// record exists for the task.
	ErrUnknownTask = errors.New("unknown task")
	// ErrLeaseMismatch means the supplied lease_id or client_id does
	// not match the reservation.
	ErrLeaseMismatch = errors.New("lease mismatch")
	// ErrNotOwner means a session acted on an inflight task assigned
	// to a different client.
	ErrNotOwner = errors.New("not the assigned client")
)
