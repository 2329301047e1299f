package remote

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrNoConnectivity means the remote could not be reached at all.
	ErrNoConnectivity = errors.New("no connectivity")
	// ErrForbidden is returned when the backend rejects a write, typically
	// because one side of the conversation blocked the other.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means the entity already exists remotely.
	ErrConflict = errors.New("conflict: duplicate data")
	// ErrTimeout means a one-shot call exceeded its deadline.
	ErrTimeout = errors.New("remote call timed out")
	// ErrNotFound means the entity does not exist remotely.
	ErrNotFound = errors.New("not found remotely")
)

// ServerError carries an unexpected remote failure.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// IsRetriable reports whether a later attempt of the same call may succeed.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoConnectivity) || errors.Is(err, ErrTimeout) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code >= 500
	}
	return false
}

func errorForStatus(status int, message string) error {
	switch {
	case status == http.StatusForbidden:
		return errors.Wrap(ErrForbidden, message)
	case status == http.StatusConflict:
		return errors.Wrap(ErrConflict, message)
	case status == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Wrap(ErrTimeout, message)
	default:
		return &ServerError{Code: status, Message: message}
	}
}

// errorForTransport classifies a failure that happened before any response.
func errorForTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Wrap(ErrNoConnectivity, err.Error())
}
