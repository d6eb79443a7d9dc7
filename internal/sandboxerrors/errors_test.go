package sandboxerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatus_MapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, 404},
		{ErrBusy, 409},
		{ErrPoolExhausted, 503},
		{ErrProvisioningFailed, 502},
		{ErrUnhealthy, 502},
		{ErrUpstream, 502},
		{ErrTimeout, 504},
		{ErrCancelled, 499},
		{ErrConfigInvalid, 500},
		{errors.New("unmapped"), 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHTTPStatus_MatchesWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("lease failed: %w", ErrPoolExhausted)
	if got := HTTPStatus(wrapped); got != 503 {
		t.Errorf("HTTPStatus(wrapped) = %d, want 503", got)
	}
}
