package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus_Passthrough(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusUnprocessableEntity, KindBadRequest},
		{http.StatusForbidden, KindForbidden},
		{http.StatusConflict, KindConflict},
		{http.StatusInternalServerError, KindUpstream},
		{http.StatusServiceUnavailable, KindUpstream},
	}
	for _, tc := range cases {
		err := FromStatus(tc.status, "callback failed")
		if err.Kind != tc.kind {
			t.Errorf("FromStatus(%d).Kind = %v, want %v", tc.status, err.Kind, tc.kind)
		}
		if err.Status != tc.status {
			t.Errorf("FromStatus(%d).Status = %d", tc.status, err.Status)
		}
	}
}

func TestUpstream_ZeroStatusIsBadGateway(t *testing.T) {
	err := Upstream(0, errors.New("dial tcp: timeout"), "identity provider unavailable")
	if err.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", err.Status)
	}
}

func TestStatusOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("delete user: %w", Conflict("role already linked"))
	if got := StatusOf(wrapped); got != http.StatusConflict {
		t.Errorf("StatusOf = %d, want 409", got)
	}
	if !Is(wrapped, KindConflict) {
		t.Error("Is(KindConflict) = false")
	}
	if got := StatusOf(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("StatusOf(plain) = %d, want 500", got)
	}
}

func TestError_MessageHidesCauseOnlyInMessageField(t *testing.T) {
	err := Internal(errors.New("pq: duplicate key value violates unique constraint"), "failed to save")
	if err.Message != "failed to save" {
		t.Errorf("Message = %q", err.Message)
	}
	if !errors.Is(err, err.Err) {
		t.Error("Unwrap should expose the cause")
	}
}
