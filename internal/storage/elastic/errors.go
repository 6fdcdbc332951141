package elastic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/corrtrace/internal/domain"
)

// classifyTransport wraps a failure that happened before a response arrived.
func classifyTransport(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.StoreError{Kind: domain.StoreErrorTimeout, Message: op + ": deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &domain.StoreError{Kind: domain.StoreErrorTimeout, Message: op + ": canceled", Err: err}
	default:
		return &domain.StoreError{Kind: domain.StoreErrorConnectivity, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
	}
}

// classifyStatus maps an error response to a store error kind.
func classifyStatus(op string, status int, body []byte) error {
	kind := domain.StoreErrorUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.StoreErrorAuth
	case status == http.StatusBadRequest:
		kind = domain.StoreErrorMalformed
	case status == http.StatusNotFound:
		kind = domain.StoreErrorNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = domain.StoreErrorTimeout
	}
	return &domain.StoreError{Kind: kind, Status: status, Message: op + ": " + reason(body)}
}

// reason extracts the most specific message from an error body.
func reason(body []byte) string {
	for _, path := range []string{"error.root_cause.0.reason", "error.reason", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
