package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"ble-remote/internal/connmgr"
	"ble-remote/internal/eventbus"
)

var errPermission = errors.New("bluetooth permissions were not granted")

const shellHelp = `commands:
  scan                 start discovering devices
  stop                 stop discovering
  list                 show discovered devices
  connect <index>      connect to a listed device
  start|pause|reset    send START, PAUSE or CROSS
  up|down              send UP or DOWN
  send <text>          send arbitrary command text
  check                probe the connected device
  reconnect            restore the link if it dropped
  disconnect           drop the link
  status               show the connected device
  quit                 exit
`

// shell is the interactive session: a line-oriented stand-in for the
// scan, connect and remote-control screens.
type shell struct {
	m       *connmgr.Manager
	in      *bufio.Reader
	out     io.Writer
	granted bool
}

func newShell(m *connmgr.Manager, in *bufio.Reader, out io.Writer, granted bool) *shell {
	return &shell{m: m, in: in, out: &syncWriter{w: out}, granted: granted}
}

// syncWriter serializes writes so event lines from the scan goroutine never
// tear prompt or command output.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *shell) run(ctx context.Context) {
	fmt.Fprint(s.out, shellHelp)
	for ctx.Err() == nil {
		if !s.granted {
			fmt.Fprintln(s.out, "! "+errPermission.Error()+"; radio commands are disabled")
		}
		fmt.Fprint(s.out, "bleremote > ")
		line, err := s.in.ReadString('\n')
		if quit := s.exec(ctx, strings.TrimSpace(line)); quit {
			return
		}
		if err != nil {
			return
		}
	}
}

// exec runs one shell line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "q", "exit":
		return true
	case "help", "?":
		fmt.Fprint(s.out, shellHelp)
		return false
	case "list", "ls":
		printDevices(s.out, s.m.Devices())
		return false
	case "status":
		s.status()
		return false
	}

	if !s.granted {
		fmt.Fprintf(s.out, "%s: %v\n", cmd, errPermission)
		return false
	}

	switch cmd {
	case "scan":
		s.m.StartScan(ctx)
	case "stop":
		s.m.StopScan()
	case "connect":
		s.connect(ctx, args)
	case "start":
		s.report("send START", s.m.Send(ctx, connmgr.CommandStart))
	case "pause":
		s.report("send PAUSE", s.m.Send(ctx, connmgr.CommandPause))
	case "reset":
		s.report("send CROSS", s.m.Send(ctx, connmgr.CommandReset))
	case "up":
		s.report("send UP", s.m.Send(ctx, connmgr.CommandUp))
	case "down":
		s.report("send DOWN", s.m.Send(ctx, connmgr.CommandDown))
	case "send":
		if len(args) == 0 {
			fmt.Fprintln(s.out, "usage: send <text>")
			return false
		}
		text := strings.Join(args, " ")
		s.report("send "+text, s.m.Send(ctx, text))
	case "check":
		s.report("check", s.m.CheckConnection(ctx, s.connected()))
	case "reconnect":
		s.report("reconnect", s.m.Reconnect(ctx, s.connected()))
	case "disconnect":
		s.report("disconnect", s.m.Disconnect(ctx))
	default:
		fmt.Fprintf(s.out, "unknown command %q (try help)\n", cmd)
	}
	return false
}

func (s *shell) connect(ctx context.Context, args []string) {
	devs := s.m.Devices()
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: connect <index>")
		return
	}
	i, err := strconv.Atoi(args[0])
	if err != nil || i < 0 || i >= len(devs) {
		fmt.Fprintf(s.out, "no device at index %q (run scan, then list)\n", args[0])
		return
	}
	s.report("connect "+devs[i].Name, s.m.Connect(ctx, devs[i]))
}

func (s *shell) connected() *connmgr.Device {
	dev, ok := s.m.Connected()
	if !ok {
		return nil
	}
	return &dev
}

func (s *shell) status() {
	dev, ok := s.m.Connected()
	if !ok {
		fmt.Fprintln(s.out, "not connected")
	} else {
		fmt.Fprintf(s.out, "connected to %s (%s)\n", dev.Name, dev.ID)
	}
	if s.m.Scanning() {
		fmt.Fprintln(s.out, "scanning")
	}
}

func (s *shell) report(what string, st connmgr.Status) {
	fmt.Fprintf(s.out, "%s: %s\n", what, st)
}

// onEvent prints session events. The bus calls it synchronously, so lines
// appear in the order the session produced them.
func (s *shell) onEvent(_ context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventDeviceDiscovered:
		fmt.Fprintf(s.out, "\n+ %s (%s)\n", ev.DeviceName, ev.DeviceID)
	case eventbus.EventDeviceConnected:
		fmt.Fprintf(s.out, "\n* connected to %s\n", ev.DeviceName)
	case eventbus.EventDeviceDisconnected:
		fmt.Fprintf(s.out, "\n* disconnected from %s\n", ev.DeviceName)
	case eventbus.EventCommandSent:
		fmt.Fprintf(s.out, "\n> ack %q\n", ev.Detail)
	}
}

func (s *shell) readIndex(n int) int {
	for {
		line, err := s.in.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && i >= 0 && i < n {
			return i
		}
		if err != nil {
			return 0
		}
		fmt.Fprintf(s.out, "enter 0..%d: ", n-1)
	}
}
