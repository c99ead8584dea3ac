//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	propsIface       = "org.freedesktop.DBus.Properties"

	defaultResolveTimeout = 15 * time.Second
	resolvePollInterval   = 200 * time.Millisecond
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is a Transport backed by the BlueZ daemon over the D-Bus system bus.
// Device IDs are MAC addresses.
type BlueZ struct {
	adapter        string
	resolveTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	closed   bool
	bus      *dbus.Conn
	scanStop chan struct{} // non-nil while a scan runs
	chars    map[string]dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// NewBlueZ creates a BlueZ transport on adapter (e.g. "hci0"). The system bus
// is dialed lazily on first use.
func NewBlueZ(adapter string, resolveTimeout time.Duration, logger *slog.Logger) *BlueZ {
	if adapter == "" {
		adapter = "hci0"
	}
	if resolveTimeout <= 0 {
		resolveTimeout = defaultResolveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlueZ{
		adapter:        adapter,
		resolveTimeout: resolveTimeout,
		logger:         logger,
		chars:          make(map[string]dbus.ObjectPath),
	}
}

func (b *BlueZ) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.adapter)
}

// ensureBusLocked connects to the system bus if not yet connected.
func (b *BlueZ) ensureBusLocked() error {
	if b.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	b.bus = c
	// Close the bus last during cleanup.
	b.cleanup = append(b.cleanup, func() { b.bus.Close() })
	return nil
}

// conn returns the bus, dialing it if needed.
func (b *BlueZ) conn() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, err
	}
	return b.bus, nil
}

func (b *BlueZ) device(bus *dbus.Conn, id string) dbus.BusObject {
	return bus.Object(bluezService, devicePath(b.adapterPath(), id))
}

// Scan starts LE discovery on the adapter and reports every device BlueZ
// already knows under it, then every InterfacesAdded and Device1 property
// change until ctx is done or StopScan is called.
func (b *BlueZ) Scan(ctx context.Context, fn func(dev Device, err error)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.scanStop != nil {
		b.mu.Unlock()
		return errors.New("connmgr: scan already running")
	}
	stop := make(chan struct{})
	b.scanStop = stop
	bus := b.bus
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.scanStop == stop {
			b.scanStop = nil
		}
		b.mu.Unlock()
	}()

	ap := b.adapterPath()
	adapter := bus.Object(bluezService, ap)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		b.logger.Debug("set discovery filter", "adapter", b.adapter, "err", err)
	}

	// Subscribe before starting discovery so no device slips through.
	sigCh := make(chan *dbus.Signal, 64)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(ap)},
	}
	for _, m := range matches {
		if err := bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("connmgr: AddMatchSignal: %w", err)
		}
		defer func(opts []dbus.MatchOption) { _ = bus.RemoveMatchSignal(opts...) }(m)
	}

	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("connmgr: StartDiscovery on %s: %w", b.adapter, err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			b.logger.Debug("stop discovery", "adapter", b.adapter, "err", err)
		}
	}()

	// Names seen so far, so RSSI-only updates can still be reported with one.
	names := make(map[dbus.ObjectPath]string)

	objs, err := managedObjectsOf(ctx, bus)
	if err != nil {
		fn(Device{}, err)
	}
	for path, ifaces := range objs {
		if !underPath(path, ap) {
			continue
		}
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			names[path] = dev.Name
			fn(dev, nil)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return nil
			}
			if dev, ok := deviceFromSignal(sig, ap, names); ok {
				fn(dev, nil)
			}
		}
	}
}

// StopScan ends a running Scan.
func (b *BlueZ) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanStop == nil {
		return ErrNotScanning
	}
	close(b.scanStop)
	b.scanStop = nil
	return nil
}

// Connect asks BlueZ to open an LE link to the device.
func (b *BlueZ) Connect(ctx context.Context, id string) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	if err := b.device(bus, id).CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("connmgr: Connect: %w", err)
	}
	return nil
}

// DiscoverServices waits for BlueZ to resolve the GATT database of the device
// and indexes its characteristics.
func (b *BlueZ) DiscoverServices(ctx context.Context, id string) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	devObj := b.device(bus, id)

	ctx, cancel := context.WithTimeout(ctx, b.resolveTimeout)
	defer cancel()
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()

	for resolved := false; !resolved; {
		v, err := devObj.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			resolved, _ = v.Value().(bool)
		}
		if resolved {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connmgr: services not resolved on %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}

	objs, err := managedObjectsOf(ctx, bus)
	if err != nil {
		return err
	}
	found := characteristicsOf(devObj.Path(), objs)

	b.mu.Lock()
	b.dropCharsLocked(id)
	for k, path := range found {
		b.chars[charKey(id, k.service, k.char)] = path
	}
	b.mu.Unlock()

	b.logger.Debug("services resolved", "id", id, "characteristics", len(found))
	return nil
}

// IsConnected reads the Connected property of the device.
func (b *BlueZ) IsConnected(ctx context.Context, id string) (bool, error) {
	bus, err := b.conn()
	if err != nil {
		return false, err
	}
	var v dbus.Variant
	call := b.device(bus, id).CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Connected")
	if call.Err != nil {
		return false, fmt.Errorf("connmgr: get Connected: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("connmgr: decode Connected: %w", err)
	}
	connected, _ := v.Value().(bool)
	return connected, nil
}

// CancelConnection disconnects the device and forgets its characteristics.
func (b *BlueZ) CancelConnection(ctx context.Context, id string) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	if err := b.device(bus, id).CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("connmgr: Disconnect: %w", err)
	}
	b.mu.Lock()
	b.dropCharsLocked(id)
	b.mu.Unlock()
	return nil
}

// Write performs a write request on the characteristic and reads its value
// back as the acknowledgement. Characteristics that are not readable
// acknowledge with the written payload.
func (b *BlueZ) Write(ctx context.Context, id, svc, char string, payload []byte) ([]byte, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	path, ok := b.chars[charKey(id, svc, char)]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s on %s", ErrNoCharacteristic, svc, char, id)
	}

	obj := bus.Object(bluezService, path)
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, payload, opts).Err; err != nil {
		return nil, fmt.Errorf("connmgr: WriteValue: %w", err)
	}

	var ack []byte
	call := obj.CallWithContext(ctx, gattCharIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err == nil {
		call.Err = call.Store(&ack)
	}
	if call.Err != nil {
		b.logger.Debug("characteristic not readable, echoing payload", "id", id, "err", call.Err)
		return payload, nil
	}
	return ack, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.scanStop != nil {
		close(b.scanStop)
		b.scanStop = nil
	}
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func (b *BlueZ) dropCharsLocked(id string) {
	prefix := strings.ToUpper(id) + "|"
	for k := range b.chars {
		if strings.HasPrefix(k, prefix) {
			delete(b.chars, k)
		}
	}
}

// Helpers

func managedObjectsOf(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	call := bus.Object(bluezService, dbus.ObjectPath("/")).CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// deviceFromSignal turns an InterfacesAdded or Device1 PropertiesChanged
// signal into a discovery event.
func deviceFromSignal(sig *dbus.Signal, adapter dbus.ObjectPath, names map[dbus.ObjectPath]string) (Device, bool) {
	if sig == nil {
		return Device{}, false
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return Device{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil || !underPath(path, adapter) {
			return Device{}, false
		}
		dev, ok := deviceFromIfaces(path, ifaces)
		if ok {
			names[path] = dev.Name
		}
		return dev, ok

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 || !underPath(sig.Path, adapter) {
			return Device{}, false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface || changed == nil {
			return Device{}, false
		}
		mac := macFromPath(sig.Path)
		if mac == "" {
			return Device{}, false
		}
		if v, ok := changed["Name"]; ok {
			if name, ok := v.Value().(string); ok {
				names[sig.Path] = name
			}
		}
		dev := Device{ID: mac, Name: names[sig.Path]}
		if v, ok := changed["RSSI"]; ok {
			dev.RSSI, _ = v.Value().(int16)
		}
		return dev, true
	}
	return Device{}, false
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	var dev Device
	if v, ok := props["Address"]; ok {
		dev.ID, _ = v.Value().(string)
	}
	// Alias falls back to the address in BlueZ, so only Name counts.
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		dev.RSSI, _ = v.Value().(int16)
	}
	if dev.ID == "" {
		dev.ID = macFromPath(path)
	}
	return dev, dev.ID != ""
}

type charRef struct {
	service string
	char    string
}

// characteristicsOf indexes the GATT characteristics below dev by their
// lower-case service and characteristic UUIDs.
func characteristicsOf(dev dbus.ObjectPath, objs managedObjects) map[charRef]dbus.ObjectPath {
	out := make(map[charRef]dbus.ObjectPath)
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !underPath(path, dev) {
			continue
		}
		charUUID, _ := props["UUID"].Value().(string)
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svcUUID, _ := objs[svcPath][gattServiceIface]["UUID"].Value().(string)
		if charUUID == "" || svcUUID == "" {
			continue
		}
		out[charRef{service: strings.ToLower(svcUUID), char: strings.ToLower(charUUID)}] = path
	}
	return out
}

func underPath(p, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// devicePath converts a MAC address to its BlueZ object path under adapter.
// Example: "AA:BB:CC:DD:EE:FF" -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX, possibly followed by GATT sub-paths.
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if i := strings.IndexByte(mac, '/'); i >= 0 {
		mac = mac[:i]
	}
	return strings.ReplaceAll(mac, "_", ":")
}
