//go:build !linux

package browser

import (
	"errors"

	"go.uber.org/zap"
)

// virtualDisplay is only meaningful on Linux hosts without a display
// server; elsewhere the type exists so the teardown path stays uniform.
type virtualDisplay struct{}

func needsVirtualDisplay() bool { return false }

func startVirtualDisplay(log *zap.Logger) (*virtualDisplay, error) {
	return nil, errors.New("virtual display not supported on this platform")
}

func (d *virtualDisplay) Env() string { return "" }

func (d *virtualDisplay) Stop() error { return nil }
