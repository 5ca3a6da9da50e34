package backend

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySQLState(t *testing.T) {
	cases := []struct {
		state string
		want  Code
	}{
		{"42501", CodePermissionDenied},
		{"28000", CodePermissionDenied},
		{"08006", CodeUnavailable},
		{"57014", CodeUnavailable},
		{"40001", CodeConflict},
		{"42601", CodeInvalid},
		{"22012", CodeInvalid},
		{"HYT00", CodeTimeout},
		{"", CodeInvalid},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifySQLState(tc.state), "state %q", tc.state)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Errorf(CodeRateLimited, "slow down")))
	assert.True(t, IsTransient(Errorf(CodeUnavailable, "503")))
	assert.True(t, IsTransient(Errorf(CodeTimeout, "deadline")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(Errorf(CodePermissionDenied, "no")))
	assert.False(t, IsTransient(Errorf(CodeNotFound, "gone")))
	assert.False(t, IsTransient(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(Errorf(CodeNotFound, "gone")))
	assert.False(t, IsNotFound(Errorf(CodeConflict, "dup")))
}
