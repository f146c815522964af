package decision

import (
	"sync"
	"time"
)

type LinkState string

const (
	LinkUp   LinkState = "LINK_UP"
	LinkDown LinkState = "LINK_DOWN"
)

// Sample is one connectivity probe result.
type Sample struct {
	RouteOK      bool
	Reachable    bool // at least one reply received
	PacketLoss   float64
	AvgLatencyMs float64
}

type ThresholdConfig struct {
	// FailCount consecutive bad samples take the link down.
	FailCount int
	// MaxPacketLoss (percent) at or above which a sample is bad.
	MaxPacketLoss float64
	// RecoveryLoss (percent) a sample must stay below to bring the link back.
	RecoveryLoss float64
	Cooldown     time.Duration
}

// DecisionEngine turns probe samples into a link state with hysteresis, so a
// single lost probe does not flap the dispatcher.
type DecisionEngine struct {
	mu sync.Mutex

	state          LinkState
	failures       int
	lastSwitchTime time.Time
	now            func() time.Time

	cfg ThresholdConfig
}

func NewEngine(cfg ThresholdConfig) *DecisionEngine {
	if cfg.FailCount < 1 {
		cfg.FailCount = 1
	}
	if cfg.MaxPacketLoss <= 0 {
		cfg.MaxPacketLoss = 100
	}
	if cfg.RecoveryLoss <= 0 || cfg.RecoveryLoss > cfg.MaxPacketLoss {
		cfg.RecoveryLoss = cfg.MaxPacketLoss
	}
	return &DecisionEngine{
		state: LinkUp,
		now:   time.Now,
		cfg:   cfg,
	}
}

func (e *DecisionEngine) State() LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *DecisionEngine) bad(s Sample) bool {
	return !s.RouteOK || !s.Reachable || s.PacketLoss >= e.cfg.MaxPacketLoss
}

func (e *DecisionEngine) recovered(s Sample) bool {
	return s.RouteOK && s.Reachable && s.PacketLoss < e.cfg.RecoveryLoss
}

func (e *DecisionEngine) Evaluate(s Sample) LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if e.bad(s) {
		e.failures++
	} else {
		e.failures = 0
	}

	// Prevent flapping, allow stabilization
	if !e.lastSwitchTime.IsZero() && now.Sub(e.lastSwitchTime) < e.cfg.Cooldown {
		return e.state
	}

	switch e.state {
	case LinkUp:
		// a missing route is unambiguous, no need to wait for more samples
		if !s.RouteOK || e.failures >= e.cfg.FailCount {
			e.state = LinkDown
			e.lastSwitchTime = now
		}
	case LinkDown:
		if e.recovered(s) {
			e.state = LinkUp
			e.failures = 0
			e.lastSwitchTime = now
		}
	}

	return e.state
}
