package schedule

import "errors"

var (
	ErrInvalidObligation           = errors.New("invalid obligation")
	ErrInvalidFrequency            = errors.New("invalid frequency")
	ErrCompletionBeforeCreation    = errors.New("completion before creation")
	ErrStaleCompletion             = errors.New("stale completion")
	ErrFutureCompletion            = errors.New("completion in the future")
	ErrInvalidSuccessionParameters = errors.New("invalid succession parameters")
	ErrGroupNotFound               = errors.New("group not found")
)

// Upper bounds on caller-supplied counts and intervals. Larger values overflow
// date arithmetic or allocate unbounded series.
const (
	MaxIntervalDays    = 36500
	MaxSuccessionCount = 520
	MaxSuccessionWeeks = 520
)
