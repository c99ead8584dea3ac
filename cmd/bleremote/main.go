// Command bleremote drives a single BLE remote-control peripheral.
//
// Prerequisites
//   - Linux: BlueZ (bluetoothd) running, system D-Bus access, adapter powered
//     on (`bluetoothctl power on`). The only backend is "bluez".
//   - macOS / Windows: the "tinygo" backend, selected by default.
//
// Modes
//
//  1. Interactive session (default):
//     go run ./cmd/bleremote
//     Type `help` at the prompt for the command list.
//
//  2. List devices seen within the scan window:
//     go run ./cmd/bleremote -mode=scan -timeout=10s
//
//  3. Connect, optionally by ID (otherwise choose from the scan):
//     go run ./cmd/bleremote -mode=connect -device AA:BB:CC:DD:EE:FF
//
//  4. Connect and send one command:
//     go run ./cmd/bleremote -mode=send -device AA:BB:CC:DD:EE:FF -cmd START
//
//  5. Connect and probe liveness:
//     go run ./cmd/bleremote -mode=check -device AA:BB:CC:DD:EE:FF
//
// Ctrl-C cancels via context.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"ble-remote/internal/connmgr"
	"ble-remote/internal/eventbus"
	"ble-remote/internal/infra/config"
	"ble-remote/internal/infra/logger"
	"ble-remote/internal/infra/tracer"
	"ble-remote/internal/permission"
)

func main() {
	configPath := flag.String("config", "bleremote.yaml", "path to config file")
	mode := flag.String("mode", "shell", "mode: shell|scan|connect|send|check")
	deviceID := flag.String("device", "", "device ID to connect to; empty prompts after a scan")
	command := flag.String("cmd", connmgr.CommandStart, "command to send (send mode)")
	timeout := flag.Duration("timeout", 15*time.Second, "scan window for scan, connect, send and check modes")
	flag.Parse()

	if err := run(*configPath, *mode, *deviceID, *command, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "bleremote: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode, deviceID, command string, window time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown", "err", err)
		}
	}()

	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()

	in := bufio.NewReader(os.Stdin)
	out := os.Stdout

	gate := permission.New(
		permission.Platform{OS: cfg.Permissions.OS, APILevel: cfg.Permissions.APILevel},
		newTerminalRequester(in, out),
		logger.Component(log, "permission"),
	)
	granted := gate.Request(ctx)

	t, err := newTransport(cfg, log)
	if err != nil {
		return err
	}
	format, err := connmgr.ParsePayloadFormat(cfg.Device.PayloadLogFormat)
	if err != nil {
		return err
	}
	m := connmgr.NewManager(t, connmgr.Options{
		ServiceUUID:        cfg.Device.ServiceUUID,
		CharacteristicUUID: cfg.Device.CharacteristicUUID,
		PayloadFormat:      format,
		ConnectTimeout:     cfg.Transport.ConnectTimeout,
		ReconnectPolicy:    connmgr.ReconnectPolicy(cfg.Session.ReconnectPolicy),
		CommandRate:        cfg.Session.CommandRate,
		CommandBurst:       cfg.Session.CommandBurst,
		Breaker: connmgr.BreakerSettings{
			MaxFailures: cfg.Session.Breaker.MaxFailures,
			Timeout:     cfg.Session.Breaker.Timeout,
			Interval:    cfg.Session.Breaker.Interval,
		},
		Events: bus,
		Logger: logger.Component(log, "connmgr"),
	})
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close error", "err", err)
		}
	}()

	sh := newShell(m, in, out, granted)
	unsubscribe := bus.Subscribe(sh.onEvent)
	defer unsubscribe()

	switch strings.ToLower(mode) {
	case "shell":
		sh.run(ctx)
		return nil
	case "scan":
		if !granted {
			return errPermission
		}
		runScan(ctx, m, sh.out, window)
		return nil
	case "connect", "send", "check":
		if !granted {
			return errPermission
		}
		return runOneShot(ctx, m, sh, strings.ToLower(mode), deviceID, command, window)
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}

func newTransport(cfg *config.Config, log *slog.Logger) (connmgr.Transport, error) {
	switch cfg.Transport.Backend {
	case "bluez", "":
		if runtime.GOOS != "linux" {
			return nil, fmt.Errorf("transport backend bluez needs linux, not %s", runtime.GOOS)
		}
		return connmgr.NewBlueZ(cfg.Transport.Adapter, cfg.Transport.ServicesResolvedTimeout, logger.Component(log, "bluez")), nil
	case "tinygo":
		if runtime.GOOS == "linux" {
			return nil, fmt.Errorf("transport backend tinygo is not built for linux; use bluez")
		}
		return connmgr.NewTinyGo(logger.Component(log, "tinygo")), nil
	default:
		return nil, fmt.Errorf("unknown transport backend: %s", cfg.Transport.Backend)
	}
}

func runScan(ctx context.Context, m *connmgr.Manager, out io.Writer, window time.Duration) {
	fmt.Fprintf(out, "Scanning for %s...\n", window)
	m.StartScan(ctx)
	select {
	case <-ctx.Done():
	case <-time.After(window):
	}
	m.StopScan()
	printDevices(out, m.Devices())
}

func runOneShot(ctx context.Context, m *connmgr.Manager, sh *shell, mode, id, command string, window time.Duration) error {
	dev, ok := pickDevice(ctx, m, sh, id, window)
	if !ok {
		return fmt.Errorf("no device to connect to")
	}
	st := m.Connect(ctx, dev)
	fmt.Fprintf(sh.out, "connect %s: %s\n", dev.ID, st)
	if !st.OK() {
		return fmt.Errorf("connect failed: %s", st)
	}

	switch mode {
	case "send":
		st = m.Send(ctx, command)
		fmt.Fprintf(sh.out, "send %s: %s\n", command, st)
	case "check":
		cur, _ := m.Connected()
		st = m.CheckConnection(ctx, &cur)
		fmt.Fprintf(sh.out, "check %s: %s\n", cur.ID, st)
	default:
		return nil
	}
	if !st.OK() {
		return fmt.Errorf("%s failed: %s", mode, st)
	}
	return nil
}

// pickDevice scans until the device with id shows up, or for the whole
// window and then asks the user to choose when id is empty.
func pickDevice(ctx context.Context, m *connmgr.Manager, sh *shell, id string, window time.Duration) (connmgr.Device, bool) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	fmt.Fprintf(sh.out, "Scanning for %s...\n", window)
	m.StartScan(ctx)
	defer m.StopScan()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id != "" {
			for _, d := range m.Devices() {
				if strings.EqualFold(d.ID, id) {
					return d, true
				}
			}
		}
		select {
		case <-ctx.Done():
			if id != "" {
				fmt.Fprintf(sh.out, "device %s not found\n", id)
				return connmgr.Device{}, false
			}
			devs := m.Devices()
			if len(devs) == 0 {
				fmt.Fprintln(sh.out, "no devices found")
				return connmgr.Device{}, false
			}
			printDevices(sh.out, devs)
			fmt.Fprint(sh.out, "Choose index: ")
			return devs[sh.readIndex(len(devs))], true
		case <-ticker.C:
		}
	}
}

func printDevices(out io.Writer, devs []connmgr.Device) {
	if len(devs) == 0 {
		fmt.Fprintln(out, "no devices found")
		return
	}
	for i, d := range devs {
		fmt.Fprintf(out, "[%d] %s  ID=%s  RSSI=%d\n", i, d.Name, d.ID, d.RSSI)
	}
}
