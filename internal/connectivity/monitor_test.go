package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type stubProber struct {
	mu  sync.Mutex
	err error
}

func (p *stubProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func TestMonitorSetNotifiesOnChange(t *testing.T) {
	m := NewMonitor(true, nil, zap.NewNop())

	var changes []bool
	m.Subscribe(func(online bool) { changes = append(changes, online) })

	if m.Set(true, "no-op") {
		t.Error("Setting the same state should not report a change")
	}
	if !m.Set(false, "panel") {
		t.Error("Expected change to offline")
	}
	m.Set(true, "panel")

	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("Expected [false true], got %v", changes)
	}
	if !m.Online() {
		t.Error("Expected online")
	}
}

func TestMonitorProbe(t *testing.T) {
	mock := clock.NewMock()
	m := NewMonitor(true, mock, zap.NewNop())
	prober := &stubProber{err: errors.New("dial tcp: connection refused")}

	changed := make(chan bool, 4)
	m.Subscribe(func(online bool) { changed <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, prober, 15*time.Second)

	waitChange := func(want bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			mock.Add(15 * time.Second)
			select {
			case got := <-changed:
				if got != want {
					t.Fatalf("Expected online=%v, got %v", want, got)
				}
				return
			case <-deadline:
				t.Fatalf("Probe did not switch state to online=%v", want)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	waitChange(false)
	prober.set(nil)
	waitChange(true)
}

func TestMonitorRunWithoutProber(t *testing.T) {
	m := NewMonitor(true, nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), nil, time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Run without a prober should return immediately")
	}
}
