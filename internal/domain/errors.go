package domain

import (
	"errors"
	"fmt"
	"strings"
)

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
	ErrTransactionConflict
	ErrStorageFull
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

func NewStorageClosedError() *StorageError {
	return &StorageError{
		Type:    ErrClosed,
		Message: "storage is closed",
	}
}

var (
	ErrLeaseHeld        = errors.New("lease held by another worker")
	ErrLeaseConflict    = errors.New("lease token mismatch")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrLeaseNotOwned    = errors.New("lease not owned by caller")
	ErrNotLeasable      = errors.New("state not leasable in its current status")
	ErrNotComplete      = errors.New("terminal states not resolved")
	ErrAlreadyFinalized = errors.New("workflow already finalized")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already registered")
	ErrStateNotFound    = errors.New("state not found")
	ErrDependencyCycle  = errors.New("dependency cycle")
	ErrMalformedGraph   = errors.New("malformed dependency graph")
	ErrNoProvider       = errors.New("no provider for capability")
	ErrAlreadyStarted   = errors.New("runtime already started")
	ErrNotStarted       = errors.New("runtime not started")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTimeout          = errors.New("operation timeout")
)

type GraphError struct {
	WorkflowID string
	Detail     string
	Err        error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph[%s] %s: %v", e.WorkflowID, e.Detail, e.Err)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func NewCycleError(workflowID string, stuck []string) *GraphError {
	return &GraphError{
		WorkflowID: workflowID,
		Detail:     "states " + strings.Join(stuck, ", "),
		Err:        ErrDependencyCycle,
	}
}

func NewMalformedGraphError(workflowID, detail string) *GraphError {
	return &GraphError{
		WorkflowID: workflowID,
		Detail:     detail,
		Err:        ErrMalformedGraph,
	}
}

type SkillError struct {
	Skill     string
	Permanent bool
	Err       error
}

func (e *SkillError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("skill %s failed (%s): %v", e.Skill, kind, e.Err)
}

func (e *SkillError) Unwrap() error {
	return e.Err
}

func NewTransientSkillError(skill string, err error) *SkillError {
	return &SkillError{Skill: skill, Permanent: false, Err: err}
}

func NewPermanentSkillError(skill string, err error) *SkillError {
	return &SkillError{Skill: skill, Permanent: true, Err: err}
}

type ValidationError struct {
	Entity  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entity, e.Message)
}

func NewValidationError(entity, message string) *ValidationError {
	return &ValidationError{Entity: entity, Message: message}
}

func IsLeaseHeld(err error) bool {
	return errors.Is(err, ErrLeaseHeld)
}

func IsLeaseConflict(err error) bool {
	return errors.Is(err, ErrLeaseConflict)
}

func IsLeaseExpired(err error) bool {
	return errors.Is(err, ErrLeaseExpired)
}

func IsLeaseNotOwned(err error) bool {
	return errors.Is(err, ErrLeaseNotOwned)
}

func IsNotLeasable(err error) bool {
	return errors.Is(err, ErrNotLeasable)
}

func IsNotComplete(err error) bool {
	return errors.Is(err, ErrNotComplete)
}

func IsAlreadyFinalized(err error) bool {
	return errors.Is(err, ErrAlreadyFinalized)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsWorkflowExists(err error) bool {
	return errors.Is(err, ErrWorkflowExists)
}

func IsStateNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}

func IsGraphError(err error) bool {
	var graphErr *GraphError
	return errors.As(err, &graphErr)
}

func IsPermanentSkillError(err error) bool {
	var skillErr *SkillError
	return errors.As(err, &skillErr) && skillErr.Permanent
}

func IsTransientSkillError(err error) bool {
	var skillErr *SkillError
	return errors.As(err, &skillErr) && !skillErr.Permanent
}

func IsVersionMismatch(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrVersionMismatch
}

func IsKeyNotFound(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrKeyNotFound
}

// IsWriteConflict reports a lost compare-and-swap race, whether it surfaced
// as a version mismatch or a backend transaction conflict.
func IsWriteConflict(err error) bool {
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return false
	}
	return storageErr.Type == ErrVersionMismatch || storageErr.Type == ErrTransactionConflict
}

func IsStorageClosed(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrClosed
}
