package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStreamErrorFatal(t *testing.T) {
	cases := []struct {
		errType ErrorType
		fatal   bool
	}{
		{ErrorTypeTransport, true},
		{ErrorTypeProtocol, true},
		{ErrorTypeParse, false},
		{ErrorTypeCancelled, false},
		{ErrorTypeOverload, false},
	}
	for _, tc := range cases {
		e := NewStreamError(tc.errType, "x")
		if got := e.Fatal(); got != tc.fatal {
			t.Errorf("Fatal(%s) = %v, want %v", tc.errType, got, tc.fatal)
		}
	}
}

func TestStreamErrorHTTPStatusCode(t *testing.T) {
	cases := []struct {
		errType ErrorType
		status  int
	}{
		{ErrorTypeParse, http.StatusBadRequest},
		{ErrorTypeCancelled, http.StatusOK},
		{ErrorTypeOverload, http.StatusServiceUnavailable},
		{ErrorTypeTransport, http.StatusBadGateway},
		{ErrorTypeProtocol, http.StatusConflict},
		{ErrorType("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := NewStreamError(tc.errType, "x")
		if got := e.HTTPStatusCode(); got != tc.status {
			t.Errorf("HTTPStatusCode(%s) = %d, want %d", tc.errType, got, tc.status)
		}
	}
}

func TestStreamErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	e := ErrTransport("read failed", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is does not reach the cause")
	}
	if got := e.Error(); got != "transport: read failed: socket closed" {
		t.Errorf("Error() = %q", got)
	}

	bare := ErrProtocol("agent rejected request")
	if got := bare.Error(); got != "protocol: agent rejected request" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(ErrCancelled("user stop")) {
		t.Error("cancelled StreamError not recognized")
	}
	if !IsCancellation(fmt.Errorf("wrapped: %w", context.Canceled)) {
		t.Error("wrapped context.Canceled not recognized")
	}
	if IsCancellation(nil) {
		t.Error("nil recognized as cancellation")
	}
	if IsCancellation(ErrTransport("boom", nil)) {
		t.Error("transport error recognized as cancellation")
	}
}
