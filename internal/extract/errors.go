package extract

import "errors"

var (
	// ErrNoHealthyProxy means no Active proxy had spare capacity. Retry after a delay.
	ErrNoHealthyProxy = errors.New("no healthy proxy available")
	// ErrSlotTimeout means the domain had no free rate slot before the deadline.
	ErrSlotTimeout = errors.New("rate slot acquisition timed out")
	// ErrQueueEmpty means a dequeue waited its full timeout without a task.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrQueueUnavailable means the queue backend failed. Fatal to the worker process.
	ErrQueueUnavailable = errors.New("queue backend unavailable")
	// ErrParse means a payload could not be mapped to a record.
	ErrParse = errors.New("payload parse failed")
	// ErrDuplicate means a URL was already submitted while dedupe is on.
	ErrDuplicate = errors.New("url already submitted")
	// ErrNotFound is returned by lookups with no match.
	ErrNotFound = errors.New("not found")
)
