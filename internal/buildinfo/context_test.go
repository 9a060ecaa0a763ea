package buildinfo

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  *Context
		want string
	}{
		{"nil context", nil, UnknownValue},
		{"empty version", NewContext("", "2026-01-01"), UnknownValue},
		{"valid version", NewContext("1.0.0", "2026-01-01"), "1.0.0"},
		{"pre-release tag", NewContext("1.0.0-beta.1", "2026-01-01"), "1.0.0-beta.1"},
		{"build metadata", NewContext("1.0.0+build.123", "2026-01-01"), "1.0.0+build.123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ctx.GetVersion())
		})
	}
}

func TestContextBuildDate(t *testing.T) {
	t.Parallel()

	var nilCtx *Context
	assert.Equal(t, UnknownValue, nilCtx.GetBuildDate())
	assert.Equal(t, UnknownValue, NewContext("1.0.0", "").GetBuildDate())
	assert.Equal(t, "2026-01-01", NewContext("1.0.0", "2026-01-01").GetBuildDate())
}

func TestContextRelease(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "canpipe@1.2.3", NewContext("1.2.3", "").Release())
	assert.Equal(t, "canpipe@unknown", NewContext("", "").Release())
}

func TestContextString(t *testing.T) {
	t.Parallel()

	s := NewContext("1.2.3", "2026-01-01").String()
	assert.True(t, strings.HasPrefix(s, "canpipe 1.2.3 (built 2026-01-01, "))
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}
