package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"ble-remote/internal/eventbus"
	"ble-remote/internal/infra/tracer"
)

// ReconnectPolicy decides what Reconnect reports once its disconnect/connect
// sequence has run.
type ReconnectPolicy string

const (
	// ReconnectPropagate reports the status of the inner connect.
	ReconnectPropagate ReconnectPolicy = "propagate"
	// ReconnectAlwaysOK reports 200 whatever the inner steps returned.
	// Failures are only visible through a later CheckConnection.
	ReconnectAlwaysOK ReconnectPolicy = "always-ok"
)

// Default heal circuit breaker timings, used once MaxFailures enables it.
const (
	defaultHealTimeout  time.Duration = 30 * time.Second
	defaultHealInterval time.Duration = 60 * time.Second
)

var errHealFailed = errors.New("connmgr: reconnect did not restore the link")

// Publisher receives session events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event)
}

// BreakerSettings configures the circuit breaker guarding heal-before-send.
// The breaker is off while MaxFailures is zero, so every Send on a dead link
// attempts the reconnect.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	PayloadFormat      PayloadFormat // log rendering only; the wire carries raw bytes
	ConnectTimeout     time.Duration // bounds dial plus service discovery; 0 leaves it to ctx
	ReconnectPolicy    ReconnectPolicy
	CommandRate        float64 // writes per second; 0 disables limiting
	CommandBurst       int
	Breaker            BreakerSettings
	Events             Publisher
	Logger             *slog.Logger
}

// Manager is the device session manager. It owns the discovered-device list
// and the connection slot; callers only observe them through Devices and
// Connected.
type Manager struct {
	transport      Transport
	service        string
	characteristic string
	format         PayloadFormat
	policy         ReconnectPolicy
	connectTimeout time.Duration
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker[Status] // nil when disabled
	events         Publisher
	logger         *slog.Logger

	// opMu serializes slot transitions. Held for the whole transition,
	// radio I/O included.
	opMu sync.Mutex

	// mu guards the fields below and is never held across radio I/O.
	mu         sync.Mutex
	devices    []Device
	seen       map[string]struct{}
	slot       *Device
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	closed     bool
}

// NewManager creates a Manager driving t.
func NewManager(t Transport, opts Options) *Manager {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if opts.PayloadFormat == "" {
		opts.PayloadFormat = PayloadBase64
	}
	if opts.ReconnectPolicy == "" {
		opts.ReconnectPolicy = ReconnectPropagate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	burst := opts.CommandBurst
	if burst <= 0 {
		burst = 1
	}

	m := &Manager{
		transport:      t,
		service:        strings.ToLower(opts.ServiceUUID),
		characteristic: strings.ToLower(opts.CharacteristicUUID),
		format:         opts.PayloadFormat,
		policy:         opts.ReconnectPolicy,
		connectTimeout: opts.ConnectTimeout,
		limiter:        rate.NewLimiter(limit, burst),
		events:         opts.Events,
		logger:         opts.Logger,
		seen:           make(map[string]struct{}),
	}
	m.breaker = newHealBreaker(opts.Breaker, opts.Logger)
	return m
}

func newHealBreaker(s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker[Status] {
	if s.MaxFailures == 0 {
		return nil
	}
	maxFailures := s.MaxFailures
	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultHealTimeout
	}
	interval := s.Interval
	if interval == 0 {
		interval = defaultHealInterval
	}
	return gobreaker.NewCircuitBreaker[Status](gobreaker.Settings{
		Name:        "connmgr:heal",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (m *Manager) opLogger(op string) *slog.Logger {
	return m.logger.With("op", op, "op_id", ulid.Make().String())
}

func (m *Manager) publish(ctx context.Context, ev eventbus.Event) {
	if m.events != nil {
		m.events.Publish(ctx, ev)
	}
}

// --- observation ---

// Devices returns a snapshot of the discovered-device list in discovery order.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...)
}

// Connected returns the device in the slot, if any.
func (m *Manager) Connected() (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return Device{}, false
	}
	return *m.slot, true
}

// Scanning reports whether a discovery feed is running.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanDone != nil
}

func (m *Manager) setSlot(dev Device) {
	m.mu.Lock()
	d := dev
	m.slot = &d
	m.mu.Unlock()
}

func (m *Manager) clearSlot() {
	m.mu.Lock()
	m.slot = nil
	m.mu.Unlock()
}

func (m *Manager) clearDevices() {
	m.mu.Lock()
	m.devices = nil
	m.seen = make(map[string]struct{})
	m.mu.Unlock()
}

// --- discovery ---

// StartScan begins the discovery feed. Discovered devices with a usable name
// are appended to the list once per ID, first sighting wins. Calling StartScan
// while a feed is running keeps the running feed. The feed ends on StopScan,
// on a successful Connect, or when ctx is canceled.
func (m *Manager) StartScan(ctx context.Context) {
	log := m.opLogger("scan")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Warn("scan requested after close")
		return
	}
	if m.scanDone != nil {
		m.mu.Unlock()
		log.Debug("scan already running")
		return
	}
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.scanCancel, m.scanDone = cancel, done
	m.mu.Unlock()

	log.Info("scanning for peripherals")
	go func() {
		defer close(done)
		defer cancel()
		err := m.transport.Scan(scanCtx, func(dev Device, err error) {
			m.handleDiscovery(scanCtx, log, done, dev, err)
		})
		if err != nil {
			log.Warn("scan feed ended", "err", err)
		}
		m.mu.Lock()
		if m.scanDone == done {
			m.scanCancel, m.scanDone = nil, nil
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) handleDiscovery(ctx context.Context, log *slog.Logger, feed chan struct{}, dev Device, err error) {
	if err != nil {
		log.Warn("discovery event dropped", "err", err)
		return
	}
	if !listable(dev) {
		return
	}

	m.mu.Lock()
	if m.scanDone != feed {
		// Feed already stopped; late events must not repopulate the list.
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[dev.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[dev.ID] = struct{}{}
	m.devices = append(m.devices, dev)
	m.mu.Unlock()

	log.Debug("device discovered", "id", dev.ID, "name", dev.Name, "rssi", dev.RSSI)
	m.publish(ctx, eventbus.Event{
		Type:       eventbus.EventDeviceDiscovered,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
	})
}

// listable reports whether a discovery event may enter the device list.
func listable(dev Device) bool {
	if dev.ID == "" {
		return false
	}
	return strings.TrimSpace(dev.Name) != "" && dev.Name != "null"
}

// StopScan terminates the discovery feed and waits for it to wind down.
// Safe to call when no scan is running.
func (m *Manager) StopScan() {
	m.mu.Lock()
	cancel, done := m.scanCancel, m.scanDone
	m.scanCancel, m.scanDone = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if err := m.transport.StopScan(); err != nil && !errors.Is(err, ErrNotScanning) {
		m.logger.Debug("transport stop scan", "err", err)
	}
	<-done
	m.logger.Info("scan stopped")
}

// --- connection lifecycle ---

// Connect dials a device and makes it the connected device.
//
// If the slot already holds a device, that device is dialed instead of target.
// On success the scan is stopped, the slot is updated and 200 is returned.
// Any failure returns 400 and leaves the slot untouched. The discovered-device
// list is cleared in both cases.
func (m *Manager) Connect(ctx context.Context, target Device) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connectLocked(ctx, m.opLogger("connect"), target)
}

func (m *Manager) connectLocked(ctx context.Context, log *slog.Logger, target Device) (st Status) {
	defer m.clearDevices()

	dev := target
	if cur, ok := m.Connected(); ok {
		dev = cur
	}

	ctx, span := tracer.StartOp(ctx, "Connect", dev.ID)
	var err error
	defer func() { tracer.EndOp(span, st.Code(), err) }()

	if dev.ID == "" {
		log.Warn("connect requested without a device")
		return StatusFailed
	}
	log = log.With("id", dev.ID)
	log.Info("connecting", "name", dev.Name)

	dialCtx := ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}
	if err = m.transport.Connect(dialCtx, dev.ID); err != nil {
		err = fmt.Errorf("connmgr: connect %s: %w", dev.ID, err)
		log.Warn("connect failed", "err", err)
		return StatusFailed
	}
	if err = m.transport.DiscoverServices(dialCtx, dev.ID); err != nil {
		err = fmt.Errorf("connmgr: discover services on %s: %w", dev.ID, err)
		log.Warn("service discovery failed", "err", err)
		return StatusFailed
	}

	m.StopScan()
	m.setSlot(dev)
	log.Info("connected", "name", dev.Name)
	m.publish(ctx, eventbus.Event{
		Type:       eventbus.EventDeviceConnected,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Status:     StatusOK.Code(),
	})
	return StatusOK
}

// Disconnect cancels the link to the connected device and empties the slot.
// Returns 401 without touching the transport when the slot is empty, and 400
// (slot kept) when the transport rejects the cancel.
func (m *Manager) Disconnect(ctx context.Context) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disconnectLocked(ctx, m.opLogger("disconnect"))
}

func (m *Manager) disconnectLocked(ctx context.Context, log *slog.Logger) (st Status) {
	cur, ok := m.Connected()
	if !ok {
		log.Info("no connected device to disconnect")
		return StatusNoConnection
	}

	ctx, span := tracer.StartOp(ctx, "Disconnect", cur.ID)
	var err error
	defer func() { tracer.EndOp(span, st.Code(), err) }()

	log = log.With("id", cur.ID)
	log.Info("disconnecting")
	if err = m.transport.CancelConnection(ctx, cur.ID); err != nil {
		err = fmt.Errorf("connmgr: cancel connection %s: %w", cur.ID, err)
		log.Warn("disconnect failed", "err", err)
		return StatusFailed
	}
	log.Debug("connection cancelled", "liveness", m.probe(ctx, log, cur.ID))

	m.clearSlot()
	m.publish(ctx, eventbus.Event{
		Type:       eventbus.EventDeviceDisconnected,
		DeviceID:   cur.ID,
		DeviceName: cur.Name,
		Status:     StatusOK.Code(),
	})
	return StatusOK
}

// CheckConnection asks the transport whether dev is alive: 200 if so, 400
// otherwise, on transport fault, or when dev is absent. It never changes the
// slot or the device list.
func (m *Manager) CheckConnection(ctx context.Context, dev *Device) (st Status) {
	log := m.opLogger("check")
	if dev == nil || dev.ID == "" {
		log.Warn("liveness probe without a device")
		return StatusFailed
	}

	ctx, span := tracer.StartOp(ctx, "CheckConnection", dev.ID)
	defer func() { tracer.EndOp(span, st.Code(), nil) }()

	st = m.probe(ctx, log, dev.ID)
	log.Info("device connection state", "id", dev.ID, "status", st.Code())
	return st
}

func (m *Manager) probe(ctx context.Context, log *slog.Logger, id string) Status {
	alive, err := m.transport.IsConnected(ctx, id)
	if err != nil {
		log.Warn("liveness probe failed", "id", id, "err", err)
		return StatusFailed
	}
	if !alive {
		return StatusFailed
	}
	return StatusOK
}

// Reconnect makes sure the connected device (or dev, when the slot is empty)
// has a live link. A live link short-circuits to 200. Otherwise it runs
// Disconnect then Connect, whatever Disconnect returned. The reported status
// follows the ReconnectPolicy.
func (m *Manager) Reconnect(ctx context.Context, dev *Device) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	st, _ := m.reconnectLocked(ctx, m.opLogger("reconnect"), dev)
	return st
}

// reconnectLocked returns the reported status and the outcome of the link
// restoration itself.
func (m *Manager) reconnectLocked(ctx context.Context, log *slog.Logger, dev *Device) (reported, outcome Status) {
	target, ok := m.Connected()
	if !ok {
		if dev == nil || dev.ID == "" {
			log.Warn("reconnect requested without a device")
			return StatusFailed, StatusFailed
		}
		target = *dev
	}

	ctx, span := tracer.StartOp(ctx, "Reconnect", target.ID)
	defer func() { tracer.EndOp(span, reported.Code(), nil) }()

	if m.probe(ctx, log, target.ID) == StatusOK {
		log.Info("device is connected", "id", target.ID)
		return StatusOK, StatusOK
	}

	ds := m.disconnectLocked(ctx, log)
	log.Info("disconnect response", "status", ds.Code())

	cs := m.connectLocked(ctx, log, target)
	log.Info("connect response", "status", cs.Code())

	if m.policy == ReconnectAlwaysOK {
		return StatusOK, cs
	}
	return cs, cs
}

// --- command transmission ---

// SendCommand writes the UTF-8 bytes of cmd to the command characteristic of dev
// with an acknowledgement requested. dev must denote the connected device; an
// absent, stale or foreign reference returns 400 without any write. Transport
// faults are logged and reported as 400.
func (m *Manager) SendCommand(ctx context.Context, dev *Device, cmd string) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	log := m.opLogger("send-command")
	if dev == nil || dev.ID == "" {
		log.Warn("no device was found")
		return StatusFailed
	}
	cur, ok := m.Connected()
	if !ok || cur.ID != dev.ID {
		log.Warn("device is not the connected device", "id", dev.ID, "connected", cur.ID)
		return StatusFailed
	}
	return m.writeLocked(ctx, log, cur, cmd)
}

// Send is the probe, heal, send-anyway path the UI uses. If the connected
// device does not answer the liveness probe, a reconnect is attempted (guarded
// by a circuit breaker when one is configured); the command is written afterwards whatever the heal
// produced. Returns 401 when there is no connected device.
func (m *Manager) Send(ctx context.Context, cmd string) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	log := m.opLogger("send")
	target, ok := m.Connected()
	if !ok {
		log.Info("no connected device, command dropped", "command", cmd)
		return StatusNoConnection
	}

	if m.probe(ctx, log, target.ID) != StatusOK {
		m.heal(ctx, log, target)
	}

	// Reconnect may have changed or emptied the slot.
	if cur, ok := m.Connected(); ok {
		target = cur
	}
	st := m.writeLocked(ctx, log, target, cmd)
	log.Info("send data", "status", st.Code())
	return st
}

// heal runs the reconnect for Send, through the breaker when one is enabled.
func (m *Manager) heal(ctx context.Context, log *slog.Logger, target Device) {
	if m.breaker == nil {
		_, outcome := m.reconnectLocked(ctx, log, &target)
		log.Info("reconnection device status", "status", outcome.Code())
		return
	}
	healed, err := m.breaker.Execute(func() (Status, error) {
		_, outcome := m.reconnectLocked(ctx, log, &target)
		if !outcome.OK() {
			return outcome, errHealFailed
		}
		return outcome, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		log.Warn("reconnect skipped, heal circuit open", "id", target.ID)
	default:
		log.Info("reconnection device status", "status", healed.Code())
	}
}

func (m *Manager) writeLocked(ctx context.Context, log *slog.Logger, dev Device, cmd string) (st Status) {
	ctx, span := tracer.StartOp(ctx, "SendCommand", dev.ID, tracer.AttrCommand.String(cmd))
	var err error
	defer func() { tracer.EndOp(span, st.Code(), err) }()

	log = log.With("id", dev.ID)
	if err = m.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("connmgr: command rate limit: %w", err)
		log.Warn("command not sent", "command", cmd, "err", err)
		return StatusFailed
	}

	payload := []byte(cmd)
	log.Info("sending command", "command", cmd, "payload", m.format.Render(payload))

	ack, err := m.transport.Write(ctx, dev.ID, m.service, m.characteristic, payload)
	if err != nil {
		err = fmt.Errorf("connmgr: write %s: %w", dev.ID, err)
		log.Warn("command write failed", "command", cmd, "err", err)
		return StatusFailed
	}

	log.Info("command acknowledged", "command", cmd, "ack", m.format.Render(ack))
	m.publish(ctx, eventbus.Event{
		Type:       eventbus.EventCommandSent,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Status:     StatusOK.Code(),
		Detail:     string(ack),
	})
	return StatusOK
}

// Close stops any scan and closes the transport. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.StopScan()
	return m.transport.Close()
}
