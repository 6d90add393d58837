package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrPowerStateTimeout          = errors.New("power state change timed out")
	ErrNoFreeWorker               = errors.New("no free conductor workers available")
	ErrInvalidState               = errors.New("invalid provision state transition")
	ErrNodeLocked                 = errors.New("node is locked by another conductor")
	ErrNotFound                   = errors.New("resource not found")
	ErrUnsupportedDriverExtension = errors.New("driver does not support this interface")
	ErrStorage                    = errors.New("storage error")
	ErrCleaningFailure            = errors.New("node cleaning failure")
	ErrDeployFailure              = errors.New("instance deploy failure")
	ErrLeaseNotFound              = errors.New("lease not found")
	ErrLeaseOwnedByOther          = errors.New("lease owned by another conductor")
	ErrInvalidConfig              = errors.New("invalid configuration")
	ErrConnection                 = errors.New("connection error")
	ErrTaskReleased               = errors.New("task resources already released")
	ErrSharedTask                 = errors.New("operation requires an exclusive node lock")
)

// ValidationError aggregates every problem found while validating
// user-supplied input so the caller gets full feedback in one pass.
type ValidationError struct {
	Prefix   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return e.Prefix + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParameter
}

func NewInvalidParameterError(format string, args ...any) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// PowerStateError is returned when a node did not reach the desired power
// state in time.
type PowerStateError struct {
	NodeUUID string
	State    PowerState
}

func (e *PowerStateError) Error() string {
	return fmt.Sprintf("failed to change power state of node %s to %s", e.NodeUUID, e.State)
}

func (e *PowerStateError) Unwrap() error {
	return ErrPowerStateTimeout
}

// DriverError wraps a failure raised by a capability driver. Drivers that
// return a DriverError are reporting a recognised failure rather than a bug.
type DriverError struct {
	Interface string
	Op        string
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Interface, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

func NewDriverError(iface, op string, err error) *DriverError {
	return &DriverError{Interface: iface, Op: op, Err: err}
}

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

func (e *StorageError) Unwrap() error {
	if e.Type == ErrKeyNotFound {
		return ErrNotFound
	}
	return ErrStorage
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
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

// InvalidStateError is returned by the provision state machine when an event
// is not allowed from the current state.
type InvalidStateError struct {
	Event string
	State ProvisionState
	Err   error
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("event %q is not allowed in provision state %q: %v", e.Event, e.State, e.Err)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// StepDiscoveryError wraps a driver failure while listing steps.
type StepDiscoveryError struct {
	Kind WorkflowKind
	Err  error
}

func (e *StepDiscoveryError) Error() string {
	return fmt.Sprintf("failed to get %s steps: %v", e.Kind, e.Err)
}

func (e *StepDiscoveryError) Unwrap() []error {
	if e.Kind == WorkflowDeploying {
		return []error{ErrDeployFailure, e.Err}
	}
	return []error{ErrCleaningFailure, e.Err}
}

// IsDomainError reports whether err is a failure the conductor recognises,
// as opposed to an unexpected bug in a driver.
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}
	var (
		validation *ValidationError
		power      *PowerStateError
		driver     *DriverError
		storage    *StorageError
		state      *InvalidStateError
		discovery  *StepDiscoveryError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &power) ||
		errors.As(err, &driver) ||
		errors.As(err, &storage) ||
		errors.As(err, &state) ||
		errors.As(err, &discovery) ||
		errors.Is(err, ErrUnsupportedDriverExtension) ||
		errors.Is(err, ErrNoFreeWorker)
}

func IsInvalidParameter(err error) bool {
	return errors.Is(err, ErrInvalidParameter)
}

func IsPowerStateTimeout(err error) bool {
	return errors.Is(err, ErrPowerStateTimeout)
}

func IsNoFreeWorker(err error) bool {
	return errors.Is(err, ErrNoFreeWorker)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsNodeLocked(err error) bool {
	return errors.Is(err, ErrNodeLocked)
}

func IsLeaseOwnedByOther(err error) bool {
	return errors.Is(err, ErrLeaseOwnedByOther)
}

func IsVersionMismatch(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrVersionMismatch
}
