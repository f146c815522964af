package monitor

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilal/openmon-agent/internal/config"
	"github.com/bilal/openmon-agent/internal/decision"
	"github.com/bilal/openmon-agent/internal/logger"
	"github.com/bilal/openmon-agent/internal/route"
	"github.com/rs/zerolog"
)

// RouteChecker reports whether a default route exists.
type RouteChecker interface {
	HasDefaultRoute() bool
}

// Sender receives the monitor's own link metrics as a field set.
type Sender interface {
	SendValues(id uint32, values url.Values) error
}

// Monitor probes the uplink periodically and answers "is the network usable".
type Monitor struct {
	cfg    config.ConnectivityConfig
	prober Prober
	routes RouteChecker
	engine *decision.DecisionEngine
	log    zerolog.Logger

	connected atomic.Bool

	mu        sync.Mutex
	listeners []func(up bool)
	upCh      chan struct{} // closed while the link is up
	sender    Sender
}

// New builds a monitor with explicit probes. routes may be nil to skip the
// route check.
func New(cfg config.ConnectivityConfig, prober Prober, routes RouteChecker) *Monitor {
	engine := decision.NewEngine(decision.ThresholdConfig{
		FailCount:     cfg.FailCount,
		MaxPacketLoss: float64(cfg.PacketLossThresholdPct),
		RecoveryLoss:  float64(cfg.RecoveryLossPct),
		Cooldown:      time.Duration(cfg.CooldownSeconds) * time.Second,
	})

	m := &Monitor{
		cfg:    cfg,
		prober: prober,
		routes: routes,
		engine: engine,
		log:    logger.WithComponent("monitor"),
		upCh:   make(chan struct{}),
	}
	// optimistic until the first probe says otherwise
	m.connected.Store(true)
	close(m.upCh)
	return m
}

// NewFromConfig wires the ICMP prober and, when enabled, the netlink route check.
func NewFromConfig(cfg *config.Config) *Monitor {
	c := cfg.Connectivity
	prober := NewPingProber(c.TestHosts, c.PingCount, time.Duration(c.TimeoutSeconds)*time.Second, c.Privileged)

	var routes RouteChecker
	if c.CheckRoute {
		routes = route.NewChecker()
	}
	return New(c, prober, routes)
}

// SetSender enables self-telemetry to cfg.SelfControllerID.
func (m *Monitor) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// OnChange registers fn to be called on every link transition.
func (m *Monitor) OnChange(fn func(up bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) IsConnected() bool {
	return m.connected.Load()
}

// WaitForConnection blocks until the link is up, ctx ends or timeout
// elapses, and reports whether the link is up.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	up := m.upCh
	m.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-up:
		return true
	case <-t.C:
		return m.IsConnected()
	case <-ctx.Done():
		return m.IsConnected()
	}
}

func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Strs("hosts", m.cfg.TestHosts).Msg("monitor started")

	ticker := time.NewTicker(time.Duration(m.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopping")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe cycle and updates the link state.
func (m *Monitor) Check(ctx context.Context) decision.LinkState {
	sample := decision.Sample{RouteOK: true, Reachable: true}

	if m.routes != nil {
		sample.RouteOK = m.routes.HasDefaultRoute()
	}

	var metrics PingMetrics
	if sample.RouteOK && m.prober != nil {
		var err error
		metrics, err = m.prober.Probe(ctx)
		if ctx.Err() != nil {
			return m.engine.State()
		}
		if err != nil {
			m.log.Debug().Err(err).Msg("probe failed")
		}
		sample.Reachable = err == nil && metrics.Received > 0
		sample.PacketLoss = metrics.PacketLoss
		sample.AvgLatencyMs = metrics.AvgLatencyMs
	} else if !sample.RouteOK {
		sample.Reachable = false
		sample.PacketLoss = 100
	}

	state := m.engine.Evaluate(sample)

	m.log.Debug().
		Str("link_state", string(state)).
		Bool("route_ok", sample.RouteOK).
		Float64("latency_ms", metrics.AvgLatencyMs).
		Float64("packet_loss", metrics.PacketLoss).
		Float64("jitter_ms", metrics.JitterMs).
		Msg("link evaluated")

	m.setConnected(state == decision.LinkUp)

	if state == decision.LinkUp && m.cfg.SelfControllerID != 0 && m.prober != nil {
		m.report(metrics)
	}
	return state
}

func (m *Monitor) setConnected(up bool) {
	if m.connected.Swap(up) == up {
		return
	}

	m.mu.Lock()
	if up {
		close(m.upCh)
	} else {
		m.upCh = make(chan struct{})
	}
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if up {
		m.log.Info().Msg("link up")
	} else {
		m.log.Warn().Msg("link down")
	}
	for _, fn := range listeners {
		fn(up)
	}
}

func (m *Monitor) report(metrics PingMetrics) {
	m.mu.Lock()
	s := m.sender
	m.mu.Unlock()
	if s == nil {
		return
	}

	values := url.Values{}
	values.Set("p1", strconv.FormatFloat(metrics.AvgLatencyMs, 'f', 1, 64))
	values.Set("p2", strconv.FormatFloat(metrics.PacketLoss, 'f', 1, 64))
	values.Set("p3", strconv.FormatFloat(metrics.JitterMs, 'f', 1, 64))

	if err := s.SendValues(m.cfg.SelfControllerID, values); err != nil {
		m.log.Warn().Err(err).Uint32("cid", m.cfg.SelfControllerID).Msg("self telemetry not queued")
	}
}
