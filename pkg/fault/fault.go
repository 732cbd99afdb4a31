// Package fault holds the error classes shared by every component.
//
// Each class is a distinct type so callers can branch with errors.As, and
// the common conditions are provided as single instances for errors.Is.
package fault

import (
	"errors"
	"fmt"
)

// StorageError reports a content store or local persistence failure. It is
// the only retryable class.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause == nil {
		return "storage: " + e.Op
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// IntegrityError reports a broken hash chain or fingerprint mismatch.
type IntegrityError struct {
	BlockID int64
	Reason  string
	Cause   error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity: block %d: %s", e.BlockID, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Cause }

// CapacityError reports a block that is full and could not be rotated.
type CapacityError struct {
	Block string
	Cause error
}

func (e *CapacityError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("capacity: block %s is full", e.Block)
	}
	return fmt.Sprintf("capacity: block %s is full and rotation failed: %v", e.Block, e.Cause)
}

func (e *CapacityError) Unwrap() error { return e.Cause }

// DuplicateVoteError rejects a second vote by the same node on a case.
type DuplicateVoteError struct {
	CaseID string
	NodeID string
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("duplicate vote: node %s already voted on case %s", e.NodeID, e.CaseID)
}

// UnknownNodeError names a node that is not registered.
type UnknownNodeError struct {
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node: %s", e.NodeID)
}

// QuorumUnresolvedError is returned when a case closes without reaching
// either threshold.
type QuorumUnresolvedError struct {
	CaseID    string
	Approvals int
	Rejects   int
	Required  int
}

func (e *QuorumUnresolvedError) Error() string {
	return fmt.Sprintf("quorum unresolved: case %s has %d approvals, %d rejections, %d required",
		e.CaseID, e.Approvals, e.Rejects, e.Required)
}

// ConfigError is invalid configuration or request input.
type ConfigError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// AlreadyInitializedError guards one-time initialisation.
type AlreadyInitializedError struct {
	What string
}

func (e *AlreadyInitializedError) Error() string {
	return e.What + " is already initialized"
}

// common conditions - keep in alphabetic order
var (
	ErrBackupNotFound  = errors.New("backup not found")
	ErrCaseClosed      = errors.New("verification case is already decided")
	ErrCaseExpired     = errors.New("verification case expired")
	ErrCaseNotFound    = errors.New("verification case not found")
	ErrForkDetected    = errors.New("ledger fork detected")
	ErrLedgerHalted    = errors.New("ledger halted pending operator review")
	ErrNoPendingFork   = errors.New("no ledger fork is pending")
	ErrNotInitialized  = errors.New("not initialized")
	ErrNotInQuorum     = errors.New("node is not part of the case quorum")
	ErrPayloadTooLarge = errors.New("payload exceeds configured limit")
	ErrUnknownBlock    = errors.New("unknown block")
)

// Storage wraps a failure of a storage or content operation.
func Storage(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause}
}

// Config builds a *ConfigError for field.
func Config(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// determine the class of an error
func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

// IsIntegrity matches ledger verification failures and halts.
func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// IsCapacity matches a full block that could not rotate.
func IsCapacity(err error) bool {
	var e *CapacityError
	return errors.As(err, &e)
}

func IsDuplicateVote(err error) bool {
	var e *DuplicateVoteError
	return errors.As(err, &e)
}

func IsUnknownNode(err error) bool {
	var e *UnknownNodeError
	return errors.As(err, &e)
}

func IsUnresolved(err error) bool {
	var e *QuorumUnresolvedError
	return errors.As(err, &e)
}

// IsConfig matches invalid configuration and request input.
func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

func IsAlreadyInitialized(err error) bool {
	var e *AlreadyInitializedError
	return errors.As(err, &e)
}

// IsRetryable reports whether an operation failing with err may succeed
// when attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsStorage(err) && !IsCapacity(err)
}
