package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobTimeout        = errors.New("job timed out")
	ErrInvalidJob        = errors.New("invalid job")
)

// NotFound wraps ErrNotFound with the offending id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DuplicateID wraps ErrDuplicateID with the offending id.
func DuplicateID(id string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateID, id)
}

// TransitionError reports a status change the state machine does not allow.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// AgentExecutionError wraps any failure raised while a goal was executing.
type AgentExecutionError struct {
	JobID string
	Err   error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("job %s: agent execution failed: %v", e.JobID, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a durable store read or write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence builds a PersistenceError, or returns nil when err is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
