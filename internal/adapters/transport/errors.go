package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/conductor/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case domain.IsInvalidParameter(err):
		code = codes.InvalidArgument
	case domain.IsNotFound(err):
		code = codes.NotFound
	case domain.IsNodeLocked(err):
		code = codes.Aborted
	case domain.IsNoFreeWorker(err):
		code = codes.ResourceExhausted
	case domain.IsInvalidState(err):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}

	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = domain.ErrInvalidParameter
	case codes.NotFound:
		sentinel = domain.ErrNotFound
	case codes.Aborted:
		sentinel = domain.ErrNodeLocked
	case codes.ResourceExhausted:
		sentinel = domain.ErrNoFreeWorker
	case codes.FailedPrecondition:
		sentinel = domain.ErrInvalidState
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Unavailable:
		sentinel = domain.ErrConnection
	default:
		return errors.New(st.Message())
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
