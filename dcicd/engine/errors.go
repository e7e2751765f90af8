package engine

import "errors"

var (
	ErrBuildFailed       = errors.New("container build failed")
	ErrRunFailed         = errors.New("container run failed")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrPipelineFailed    = errors.New("pipeline failed")
	ErrTimedOut          = errors.New("timed out")
)
