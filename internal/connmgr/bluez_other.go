//go:build !linux

package connmgr

import (
	"context"
	"log/slog"
	"time"
)

// BlueZ is only available on Linux; every method returns ErrUnsupported.
type BlueZ struct{}

func NewBlueZ(string, time.Duration, *slog.Logger) *BlueZ { return &BlueZ{} }

func (*BlueZ) Scan(context.Context, func(Device, error)) error { return ErrUnsupported }
func (*BlueZ) StopScan() error                                  { return ErrUnsupported }
func (*BlueZ) Connect(context.Context, string) error            { return ErrUnsupported }
func (*BlueZ) DiscoverServices(context.Context, string) error   { return ErrUnsupported }
func (*BlueZ) IsConnected(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}
func (*BlueZ) CancelConnection(context.Context, string) error { return ErrUnsupported }
func (*BlueZ) Write(context.Context, string, string, string, []byte) ([]byte, error) {
	return nil, ErrUnsupported
}
func (*BlueZ) Close() error { return nil }
