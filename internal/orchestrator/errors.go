package orchestrator

import (
	"errors"
	"net/http"

	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
	"github.com/reeloly/sandboxd/internal/lock"
	"github.com/reeloly/sandboxd/internal/project"
	"github.com/reeloly/sandboxd/internal/reconcile"
	"github.com/reeloly/sandboxd/internal/relay"
	"github.com/reeloly/sandboxd/internal/sandbox"
)

// Status codes reported to callers. Initializing and NotReady are retryable.
const (
	CodeInitializing       = "initializing"
	CodeNotReady           = "not_ready"
	CodeLockUnavailable    = "lock_unavailable"
	CodeSandboxUnavailable = "sandbox_unavailable"
	CodeReconcileFailed    = "reconcile_failed"
	CodeInvalidInput       = "invalid_input"
	CodeNoEnvironment      = "no_environment"
	CodeProcessFailed      = "process_failed"
	CodeCaptureFailed      = "capture_failed"
	CodeDisconnected       = "disconnected"
	CodeInternal           = "internal"
)

// errSandboxBackend marks failures of the execution backend itself.
var errSandboxBackend = errors.New("sandbox backend")

// classify maps an internal failure to a caller-safe AppError. The public
// message never includes command output; the cause stays in Err for logs.
func classify(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var stageErr *reconcile.StageError
	switch {
	case errors.Is(err, project.ErrInvalidIdentifier):
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeValidationError,
			Message:    "invalid project or user id",
			Kind:       CodeInvalidInput,
			HTTPStatus: http.StatusBadRequest,
			Err:        err,
		}
	case errors.Is(err, relay.ErrInvalidAttachment):
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeValidationError,
			Message:    "invalid attachment",
			Kind:       CodeInvalidInput,
			HTTPStatus: http.StatusBadRequest,
			Err:        err,
		}
	case errors.Is(err, lock.ErrServiceUnavailable):
		return apperrors.ServiceUnavailable("lock service", err).WithKind(CodeLockUnavailable)
	case errors.Is(err, sandbox.ErrNotFound):
		return apperrors.NotFound("no environment found", err).WithKind(CodeNoEnvironment)
	case errors.Is(err, errSandboxBackend):
		return apperrors.ServiceUnavailable("sandbox backend", err).WithKind(CodeSandboxUnavailable)
	case errors.As(err, &stageErr):
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeInternalError,
			Message:    "environment setup failed at stage " + string(stageErr.Stage),
			Kind:       CodeReconcileFailed,
			HTTPStatus: http.StatusInternalServerError,
			Err:        err,
		}
	case errors.Is(err, relay.ErrProcessFailed):
		return apperrors.InternalError("agent process failed", err).WithKind(CodeProcessFailed)
	case errors.Is(err, relay.ErrCaptureFailed):
		return apperrors.InternalError("failed to save session state", err).WithKind(CodeCaptureFailed)
	default:
		return apperrors.Wrap(err, "internal error").WithKind(CodeInternal)
	}
}

// stageOf returns the failing reconcile stage, if any.
func stageOf(err error) string {
	var stageErr *reconcile.StageError
	if errors.As(err, &stageErr) {
		return string(stageErr.Stage)
	}
	return ""
}
