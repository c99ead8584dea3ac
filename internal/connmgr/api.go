// Package connmgr manages the lifecycle of a single BLE peripheral session:
// discovery with de-duplication, the one "currently connected device" slot,
// connect/disconnect/reconnect transitions, liveness probes and command writes.
//
// Thread-safety: all Manager methods are safe for concurrent use. Slot
// transitions (Connect, Disconnect, Reconnect, SendCommand, Send) are applied
// one at a time in call order; Devices, Connected and CheckConnection never
// wait for in-flight radio I/O.
package connmgr

import (
	"context"
	"errors"
	"strings"
)

const (
	// DefaultServiceUUID is the GATT service holding the command characteristic.
	DefaultServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"

	// DefaultCharacteristicUUID is the characteristic command bytes are written to.
	DefaultCharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Command tokens understood by the peripheral firmware. The session layer
// never validates them; any text can be sent.
const (
	CommandStart = "START"
	CommandPause = "PAUSE"
	CommandReset = "CROSS"
	CommandUp    = "UP"
	CommandDown  = "DOWN"
)

var (
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("connmgr: closed")

	// ErrNotScanning is returned by Transport.StopScan when no scan is running.
	ErrNotScanning = errors.New("connmgr: not scanning")

	// ErrNoCharacteristic is returned when the command characteristic cannot
	// be located on a connected device.
	ErrNoCharacteristic = errors.New("connmgr: characteristic not found")

	// ErrUnsupported is returned by a transport that is not available on the
	// running platform.
	ErrUnsupported = errors.New("connmgr: transport not supported on this platform")
)

// Device represents the minimum information needed to display and connect.
//
// ID is required (MAC address on Linux, platform UUID elsewhere). Name is the
// advertised local name and may be empty on raw discovery events; the Manager
// never lists nameless devices.
type Device struct {
	ID   string // required: stable transport identity used to dial the device
	Name string // optional: advertised local name
	RSSI int16  // optional: signal strength of the latest advertisement
}

// Transport is the radio stack capability the Manager drives. It is an
// external collaborator; implementations wrap BlueZ or tinygo bluetooth.
//
// All methods taking an id address the peripheral by Device.ID. Transports
// do not keep a "current device"; that is the Manager's job.
type Transport interface {
	// Scan runs a continuous discovery feed, invoking fn once per discovery
	// event. A non-nil err passed to fn describes a per-event failure; the
	// feed keeps running. Scan blocks until ctx is canceled or StopScan is
	// called, and returns nil in both cases.
	//   - fn may be called concurrently from transport goroutines.
	//   - Duplicates and nameless devices are reported as seen; filtering is
	//     the caller's concern.
	Scan(ctx context.Context, fn func(dev Device, err error)) error

	// StopScan terminates a running feed. Returns ErrNotScanning when idle.
	StopScan() error

	// Connect opens a link to the device with the given id.
	// Timeouts are whatever ctx and the radio stack impose.
	Connect(ctx context.Context, id string) error

	// DiscoverServices performs the service/characteristic discovery
	// handshake on a connected device.
	DiscoverServices(ctx context.Context, id string) error

	// IsConnected reports whether the radio stack currently holds a live link.
	IsConnected(ctx context.Context, id string) (bool, error)

	// CancelConnection tears the link down.
	CancelConnection(ctx context.Context, id string) error

	// Write writes payload to characteristic char of service svc with an
	// acknowledgement requested, and returns the acknowledged characteristic
	// value.
	Write(ctx context.Context, id, svc, char string, payload []byte) (ack []byte, err error)

	// Close releases resources held by the transport. Idempotent.
	Close() error
}

// charKey identifies a characteristic of a connected device independent of
// identifier case.
func charKey(id, svc, char string) string {
	return strings.ToUpper(id) + "|" + strings.ToLower(svc) + "|" + strings.ToLower(char)
}
