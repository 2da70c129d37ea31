package domain

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound means room/participant/transport/producer/consumer state
	// has diverged from what the caller believes; the caller must resync.
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransport covers capacity problems and failed media worker calls.
	ErrTransport     = errors.New("transport error")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrBadRequest    = errors.New("bad request")
	// ErrWorkerDied is fatal to the whole node.
	ErrWorkerDied = errors.New("media worker died")
)

// Code maps an error onto the stable code carried by signaling acks and
// HTTP error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrTransport), errors.Is(err, ErrWorkerDied):
		return "transport_error"
	}
	return "internal"
}

func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "already_exists":
		return http.StatusConflict
	case "rate_limited":
		return http.StatusTooManyRequests
	case "bad_request":
		return http.StatusBadRequest
	case "transport_error":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
