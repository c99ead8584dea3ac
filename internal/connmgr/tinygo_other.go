//go:build !darwin && !windows

package connmgr

import (
	"context"
	"log/slog"
)

// TinyGo is unavailable on this platform; every method returns ErrUnsupported.
type TinyGo struct{}

func NewTinyGo(*slog.Logger) *TinyGo { return &TinyGo{} }

func (*TinyGo) Scan(context.Context, func(Device, error)) error { return ErrUnsupported }
func (*TinyGo) StopScan() error                                  { return ErrUnsupported }
func (*TinyGo) Connect(context.Context, string) error            { return ErrUnsupported }
func (*TinyGo) DiscoverServices(context.Context, string) error   { return ErrUnsupported }
func (*TinyGo) IsConnected(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}
func (*TinyGo) CancelConnection(context.Context, string) error { return ErrUnsupported }
func (*TinyGo) Write(context.Context, string, string, string, []byte) ([]byte, error) {
	return nil, ErrUnsupported
}
func (*TinyGo) Close() error { return nil }
