package agent

import "errors"

var (
	ErrNotFound     = errors.New("agent: run not found")
	ErrBusy         = errors.New("agent: run queue full")
	ErrShuttingDown = errors.New("agent: shutting down")
	ErrFinished     = errors.New("agent: run already finished")
)
