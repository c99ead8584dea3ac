package connmgr

import (
	"context"
	"sync"
	"sync/atomic"

	"ble-remote/internal/eventbus"
)

type writeCall struct {
	id, svc, char string
	payload       []byte
}

// fakeTransport is an in-memory radio. Each knob returns its error from the
// matching method; connected tracks link state per id.
type fakeTransport struct {
	mu          sync.Mutex
	connected   map[string]bool
	connectErr  error
	discoverErr error
	cancelErr   error
	probeErr    error
	writeErr    error
	ack         []byte

	calls  []string
	writes []writeCall
	scans  int
	scanFn func(Device, error)
	closes int

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[string]bool)}
}

func (f *fakeTransport) enter() func() {
	n := f.inflight.Add(1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inflight.Add(-1) }
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) Scan(ctx context.Context, fn func(Device, error)) error {
	f.mu.Lock()
	f.scans++
	f.scanFn = fn
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) StopScan() error {
	f.record("stop-scan")
	return nil
}

// emit delivers a discovery event through the most recent Scan callback.
func (f *fakeTransport) emit(dev Device, err error) {
	f.mu.Lock()
	fn := f.scanFn
	f.mu.Unlock()
	if fn != nil {
		fn(dev, err)
	}
}

func (f *fakeTransport) hasScanFn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanFn != nil
}

func (f *fakeTransport) Connect(_ context.Context, id string) error {
	defer f.enter()()
	f.record("connect:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected[id] = true
	return nil
}

func (f *fakeTransport) DiscoverServices(_ context.Context, id string) error {
	defer f.enter()()
	f.record("discover:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverErr
}

func (f *fakeTransport) IsConnected(_ context.Context, id string) (bool, error) {
	f.record("probe:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.connected[id], nil
}

func (f *fakeTransport) CancelConnection(_ context.Context, id string) error {
	defer f.enter()()
	f.record("cancel:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.connected[id] = false
	return nil
}

func (f *fakeTransport) Write(_ context.Context, id, svc, char string, payload []byte) ([]byte, error) {
	defer f.enter()()
	f.record("write:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{id: id, svc: svc, char: char, payload: payload})
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	if f.ack != nil {
		return f.ack, nil
	}
	return payload, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeTransport) callsWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeTransport) writeCalls() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev eventbus.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []eventbus.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}
