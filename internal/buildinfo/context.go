// Package buildinfo carries build-time metadata injected through ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// UnknownValue is reported for metadata that was not set at build time.
const UnknownValue = "unknown"

// Context holds build metadata. It is not part of the user configuration.
type Context struct {
	Version   string // git tag
	BuildDate string
}

// NewContext creates a build context.
func NewContext(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// Release is the identifier used for error telemetry.
func (c *Context) Release() string {
	return "canpipe@" + c.GetVersion()
}

// String formats the metadata for --version output.
func (c *Context) String() string {
	return fmt.Sprintf("canpipe %s (built %s, %s %s/%s)",
		c.GetVersion(), c.GetBuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
