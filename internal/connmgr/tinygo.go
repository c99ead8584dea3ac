//go:build darwin || windows

package connmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

const ackBufferSize = 512

// TinyGo is a Transport backed by tinygo.org/x/bluetooth for macOS and
// Windows. Linux uses the BlueZ transport. Device IDs are whatever the adapter
// reports as the address (MAC on Windows, UUID on macOS).
type TinyGo struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	closed   bool
	scanning bool
	addrs    map[string]bluetooth.Address
	devices  map[string]bluetooth.Device
	chars    map[string]bluetooth.DeviceCharacteristic
	links    map[string]bool
}

// NewTinyGo creates a transport on the default adapter.
func NewTinyGo(logger *slog.Logger) *TinyGo {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TinyGo{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		addrs:   make(map[string]bluetooth.Address),
		devices: make(map[string]bluetooth.Device),
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
		links:   make(map[string]bool),
	}
	return t
}

func (t *TinyGo) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("connmgr: enable adapter: %w", err)
			return
		}
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			t.mu.Lock()
			t.links[device.Address.String()] = connected
			t.mu.Unlock()
		})
	})
	return t.enableErr
}

func (t *TinyGo) ready() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.enable()
}

// Scan runs the adapter scan until ctx is done or StopScan is called.
func (t *TinyGo) Scan(ctx context.Context, fn func(dev Device, err error)) error {
	if err := t.ready(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return fmt.Errorf("connmgr: scan already running")
	}
	t.scanning = true
	t.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.StopScan()
		case <-done:
		}
	}()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		t.mu.Lock()
		t.addrs[id] = result.Address
		t.mu.Unlock()
		fn(Device{ID: id, Name: result.LocalName(), RSSI: result.RSSI}, nil)
	})

	t.mu.Lock()
	t.scanning = false
	t.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("connmgr: scan: %w", err)
	}
	return nil
}

// StopScan stops the adapter scan.
func (t *TinyGo) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return ErrNotScanning
	}
	return t.adapter.StopScan()
}

// Connect dials a device seen during a previous scan.
func (t *TinyGo) Connect(ctx context.Context, id string) error {
	if err := t.ready(); err != nil {
		return err
	}
	t.mu.Lock()
	addr, ok := t.addrs[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("connmgr: device %s has not been discovered", id)
	}

	dev, err := await(ctx, func() (bluetooth.Device, error) {
		return t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	})
	if err != nil {
		return fmt.Errorf("connmgr: connect %s: %w", id, err)
	}

	t.mu.Lock()
	t.devices[id] = dev
	t.links[id] = true
	t.mu.Unlock()
	return nil
}

// DiscoverServices walks every service and characteristic of the device and
// caches the characteristics for Write.
func (t *TinyGo) DiscoverServices(ctx context.Context, id string) error {
	t.mu.Lock()
	dev, ok := t.devices[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("connmgr: device %s is not connected", id)
	}

	found, err := await(ctx, func() (map[string]bluetooth.DeviceCharacteristic, error) {
		svcs, err := dev.DiscoverServices(nil)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bluetooth.DeviceCharacteristic)
		for i := range svcs {
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				return nil, err
			}
			for j := range chars {
				out[charKey(id, svcs[i].UUID().String(), chars[j].UUID().String())] = chars[j]
			}
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("connmgr: discover services on %s: %w", id, err)
	}

	t.mu.Lock()
	t.dropCharsLocked(id)
	for k, c := range found {
		t.chars[k] = c
	}
	t.mu.Unlock()
	t.logger.Debug("services resolved", "id", id, "characteristics", len(found))
	return nil
}

// IsConnected reports the link state tracked from the adapter connect handler.
func (t *TinyGo) IsConnected(_ context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	return t.links[id], nil
}

// CancelConnection disconnects the device and forgets its characteristics.
func (t *TinyGo) CancelConnection(ctx context.Context, id string) error {
	t.mu.Lock()
	dev, ok := t.devices[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("connmgr: device %s is not connected", id)
	}
	if _, err := await(ctx, func() (struct{}, error) { return struct{}{}, dev.Disconnect() }); err != nil {
		return fmt.Errorf("connmgr: disconnect %s: %w", id, err)
	}
	t.mu.Lock()
	delete(t.devices, id)
	t.links[id] = false
	t.dropCharsLocked(id)
	t.mu.Unlock()
	return nil
}

// Write writes with response and reads the characteristic back as the
// acknowledgement where the platform supports reads (not macOS), echoing the
// payload otherwise.
func (t *TinyGo) Write(ctx context.Context, id, svc, char string, payload []byte) ([]byte, error) {
	t.mu.Lock()
	c, ok := t.chars[charKey(id, svc, char)]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s on %s", ErrNoCharacteristic, svc, char, id)
	}

	return await(ctx, func() ([]byte, error) {
		if _, err := c.Write(payload); err != nil {
			return nil, fmt.Errorf("connmgr: write characteristic: %w", err)
		}
		r, ok := any(c).(io.Reader)
		if !ok {
			return payload, nil
		}
		buf := make([]byte, ackBufferSize)
		n, err := r.Read(buf)
		if err != nil {
			t.logger.Debug("characteristic not readable, echoing payload", "id", id, "err", err)
			return payload, nil
		}
		return buf[:n], nil
	})
}

// Close disconnects every device. Idempotent.
func (t *TinyGo) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	scanning := t.scanning
	devices := t.devices
	t.devices = make(map[string]bluetooth.Device)
	t.mu.Unlock()

	if scanning {
		_ = t.adapter.StopScan()
	}
	for id, dev := range devices {
		if err := dev.Disconnect(); err != nil {
			t.logger.Debug("disconnect on close", "id", id, "err", err)
		}
	}
	return nil
}

func (t *TinyGo) dropCharsLocked(id string) {
	prefix := strings.ToUpper(id) + "|"
	for k := range t.chars {
		if strings.HasPrefix(k, prefix) {
			delete(t.chars, k)
		}
	}
}

// await runs a blocking radio call and gives up waiting when ctx is done.
// The call itself keeps running in the background; the adapter has no way
// to abort it.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
