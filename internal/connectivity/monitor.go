package connectivity

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/events"
)

// Monitor reports whether the remote side is reachable.
type Monitor interface {
	IsOnline() bool
	// OnlineStream replays the current status and then every change.
	OnlineStream(ctx context.Context) <-chan bool
}

// Checker probes the remote once.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// HealthMonitor polls a Checker and publishes status changes.
type HealthMonitor struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	bus      *events.Bus[bool]
}

// NewHealthMonitor constructs a HealthMonitor. Call Run to start polling.
func NewHealthMonitor(checker Checker, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		checker:  checker,
		interval: interval,
		timeout:  interval,
		bus:      events.NewBus[bool](),
	}
}

// Run polls until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			m.bus.Close()
			return
		case <-ticker.C:
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	online, err := m.checker.Check(checkCtx)
	if err != nil {
		jww.DEBUG.Printf("[Connectivity] health check failed: %v", err)
		online = false
	}
	m.set(online)
}

func (m *HealthMonitor) set(online bool) {
	if last, ok := m.bus.Last(); ok && last == online {
		return
	}
	if online {
		jww.INFO.Printf("[Connectivity] remote reachable")
	} else {
		jww.WARN.Printf("[Connectivity] remote unreachable")
	}
	m.bus.Publish(online)
}

func (m *HealthMonitor) IsOnline() bool {
	online, _ := m.bus.Last()
	return online
}

func (m *HealthMonitor) OnlineStream(ctx context.Context) <-chan bool {
	return m.bus.Subscribe(ctx)
}

// Manual is a Monitor whose status is set by the caller.
type Manual struct {
	bus *events.Bus[bool]
}

// NewManual returns a Manual monitor starting at online.
func NewManual(online bool) *Manual {
	m := &Manual{bus: events.NewBus[bool]()}
	m.bus.Publish(online)
	return m
}

func (m *Manual) Set(online bool) {
	if last, _ := m.bus.Last(); last == online {
		return
	}
	m.bus.Publish(online)
}

func (m *Manual) IsOnline() bool {
	online, _ := m.bus.Last()
	return online
}

func (m *Manual) OnlineStream(ctx context.Context) <-chan bool {
	return m.bus.Subscribe(ctx)
}

var (
	_ Monitor = (*HealthMonitor)(nil)
	_ Monitor = (*Manual)(nil)
)
