package server

import (
	"errors"
	"net/http"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/fault"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case fault.IsConfig(err):
		return http.StatusBadRequest
	case fault.IsUnknownNode(err),
		errors.Is(err, fault.ErrUnknownBlock),
		errors.Is(err, fault.ErrCaseNotFound),
		errors.Is(err, fault.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrNotInQuorum), errors.Is(err, auth.ErrNodeNotAllowed):
		return http.StatusForbidden
	case fault.IsDuplicateVote(err),
		fault.IsAlreadyInitialized(err),
		fault.IsUnresolved(err),
		errors.Is(err, fault.ErrCaseClosed),
		errors.Is(err, fault.ErrCaseExpired),
		errors.Is(err, fault.ErrNoPendingFork),
		errors.Is(err, fault.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, fault.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case fault.IsCapacity(err):
		return http.StatusInsufficientStorage
	case fault.IsIntegrity(err),
		errors.Is(err, fault.ErrLedgerHalted),
		errors.Is(err, fault.ErrForkDetected):
		return http.StatusServiceUnavailable
	case fault.IsStorage(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
