// Package device provides common interfaces and utilities for virtual USB devices.
package device

import (
	"context"

	"github.com/Alia5/usbuart/usbip"
)

type contextKey int

const (
	ExportMetaKey contextKey = iota
)

// GetDeviceMeta extracts the device metadata from a device context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}
