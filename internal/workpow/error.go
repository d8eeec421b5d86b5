package workpow

import "errors"

// ErrCanceled and ErrErrored are the two terminal failure states a work
// request can resolve to.
var (
	ErrCanceled = errors.New("cancelled")
	ErrErrored  = errors.New("Work generation failed (see logs for details)")
)
