// Package version reports the build version of usbuart.
package version

import (
	"fmt"
	"strings"
)

// Version is set at build time:
// go build -ldflags "-X github.com/Alia5/usbuart/internal/version.Version=x.y.z"
var Version = ""

const devVersion = "0.0.1-dev"

// Get returns the build version without a leading "v", or a development
// marker when none was set.
func Get() (string, error) {
	return parse(Version)
}

// String is Get with invalid versions reported as-is.
func String() string {
	v, err := Get()
	if err != nil {
		return Version
	}
	return v
}

func parse(raw string) (string, error) {
	if raw == "" {
		return devVersion, nil
	}
	v := strings.TrimPrefix(raw, "v")
	base := strings.SplitN(v, "-", 2)[0]
	if !strings.Contains(base, ".") {
		return "", fmt.Errorf("invalid version format: %s (expected x.y.z)", raw)
	}
	return v, nil
}
