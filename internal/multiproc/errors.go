package multiproc

import "errors"

// Set-up and supervision errors.
var (
	ErrNoName         = errors.New("multiproc: worker name is required")
	ErrUnknownTask    = errors.New("multiproc: task is not registered")
	ErrAlreadyStarted = errors.New("multiproc: worker already started")
)

// Hand-off errors. Each aborts the worker process before its task runs,
// so an operator can tell from the log exactly which step of the hand-off failed.
var (
	ErrNoContext  = errors.New("multiproc: worker requires a hand-off context; got none")
	ErrNoWorker   = errors.New("multiproc: hand-off context has no worker slot")
	ErrNoPipe     = errors.New("multiproc: worker requires a control pipe; has none")
	ErrNoConfig   = errors.New("multiproc: worker requires a configuration; has none")
	ErrNoShutdown = errors.New("multiproc: worker requires a shutdown signal; has none")
)
