package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ping/ping"
	"github.com/rs/zerolog/log"
)

type PingMetrics struct {
	AvgLatencyMs float64
	PacketLoss   float64
	JitterMs     float64
	Received     int
}

// Prober measures reachability of the outside world.
type Prober interface {
	Probe(ctx context.Context) (PingMetrics, error)
}

// PingProber sends ICMP echoes to the configured hosts in order and reports
// the first host that answers.
type PingProber struct {
	hosts      []string
	count      int
	timeout    time.Duration
	privileged bool
}

func NewPingProber(hosts []string, count int, timeout time.Duration, privileged bool) *PingProber {
	if count < 1 {
		count = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingProber{
		hosts:      hosts,
		count:      count,
		timeout:    timeout,
		privileged: privileged,
	}
}

func (pp *PingProber) Probe(ctx context.Context) (PingMetrics, error) {
	if len(pp.hosts) == 0 {
		return PingMetrics{}, errors.New("no test hosts configured")
	}

	var (
		last    PingMetrics
		lastErr error
	)
	for _, host := range pp.hosts {
		m, err := pp.probeHost(ctx, host)
		if err == nil && m.Received > 0 {
			return m, nil
		}
		if ctx.Err() != nil {
			return PingMetrics{PacketLoss: 100}, ctx.Err()
		}
		if err != nil {
			log.Debug().Err(err).Str("host", host).Msg("ping failed")
		}
		last, lastErr = m, err
	}
	return last, lastErr
}

func (pp *PingProber) probeHost(ctx context.Context, host string) (PingMetrics, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return PingMetrics{PacketLoss: 100}, fmt.Errorf("ping create %s: %w", host, err)
	}

	pinger.Count = pp.count
	pinger.Timeout = pp.timeout
	pinger.SetPrivileged(pp.privileged)

	var previousRTT time.Duration
	var jitterTotal float64
	var jitterCount int

	pinger.OnRecv = func(pkt *ping.Packet) {
		if previousRTT != 0 {
			diff := pkt.Rtt - previousRTT
			if diff < 0 {
				diff = -diff
			}
			jitterTotal += float64(diff.Milliseconds())
			jitterCount++
		}
		previousRTT = pkt.Rtt
	}

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return PingMetrics{PacketLoss: 100}, ctx.Err()
	}
	if err != nil {
		return PingMetrics{PacketLoss: 100}, fmt.Errorf("ping run %s: %w", host, err)
	}

	stats := pinger.Statistics()

	jitter := 0.0
	if jitterCount > 0 {
		jitter = jitterTotal / float64(jitterCount)
	}

	return PingMetrics{
		AvgLatencyMs: float64(stats.AvgRtt.Microseconds()) / 1000,
		PacketLoss:   stats.PacketLoss,
		JitterMs:     jitter,
		Received:     stats.PacketsRecv,
	}, nil
}
