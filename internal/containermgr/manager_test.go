package containermgr

import (
	"errors"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such image: sandbox-agent:latest"), false},
		{errors.New("Bind for 0.0.0.0:10001 failed: port is already allocated"), false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("context deadline exceeded: timeout"), true},
		{errors.New("server is temporarily unavailable"), true},
		{errors.New("some other daemon hiccup"), true},
	}
	for _, c := range cases {
		if got := isTransient(c.err); got != c.want {
			t.Errorf("isTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
