package ports

import "context"

// AdmissionPort caps the number of simultaneous node invocations in one
// worker process, independent of level width. Acquire blocks until a slot
// frees or ctx is done.
type AdmissionPort interface {
	Acquire(ctx context.Context) error
	Release()
	InFlight() int64
}
