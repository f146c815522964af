package dispatcher

import (
	"context"
	"time"

	"github.com/bilal/openmon-agent/internal/communicator"
	"github.com/bilal/openmon-agent/internal/queue"
	"github.com/bilal/openmon-agent/internal/registry"
)

func (d *Dispatcher) run(ctx context.Context, q *queue.Queue, done chan struct{}) {
	defer close(done)

	wait := queue.Forever
	for {
		items, err := q.DequeueAll(ctx, wait)
		if err != nil {
			d.log.Debug().Err(err).Msg("dispatcher loop exiting")
			return
		}
		d.merge(items)

		if !d.waitResumed(ctx) {
			return
		}
		wait = d.evaluate(ctx)
		d.log.Debug().Dur("wait", wait).Msg("next dispatch")
	}
}

// waitResumed blocks while the dispatcher is suspended. It returns false
// when ctx ends first.
func (d *Dispatcher) waitResumed(ctx context.Context) bool {
	d.mu.Lock()
	suspended, resume := d.state == StateSuspended, d.resume
	d.mu.Unlock()

	if !suspended {
		return ctx.Err() == nil
	}
	select {
	case <-resume:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// merge moves drained payloads into their controllers. The newest payload
// wins; unknown controllers are never created here.
func (d *Dispatcher) merge(items []queue.Item) {
	for _, it := range items {
		c, ok := d.registry.Find(it.ControllerID)
		if !ok {
			d.unknown.Add(1)
			d.log.Error().Uint32("cid", it.ControllerID).Msg("controller not found, data discarded")
			continue
		}
		if c.HasPending() {
			d.replaced.Add(1)
			d.log.Debug().Uint32("cid", c.ID).Str("correlation", c.CorrelationID).Msg("pending data replaced")
		}
		if !it.EnqueuedAt.IsZero() {
			d.log.Debug().Uint32("cid", c.ID).Dur("queued_for", d.now().Sub(it.EnqueuedAt)).Msg("payload accepted")
		}
		c.Replace(it.Payload, it.CorrelationID)
	}
}

// evaluate sends every due payload and returns how long the loop may sleep
// before the next one falls due.
func (d *Dispatcher) evaluate(ctx context.Context) time.Duration {
	now := d.now()

	if d.conn != nil && !d.conn.IsConnected() {
		if !d.offline {
			d.offline = true
			d.offlineSince = now
			d.log.Warn().Msg("internet unavailable, sending paused")
			d.signals.SetCondition(ConditionNoInternet, now)
		}
		return d.opts.OfflinePoll
	}
	if d.offline {
		d.offline = false
		d.log.Info().Dur("offline_for", now.Sub(d.offlineSince)).Msg("internet available again")
		d.signals.ClearCondition(ConditionNoInternet, d.offlineSince)
	}

	wait := queue.Forever
	d.registry.ForEachPending(func(c *registry.Controller) {
		if ctx.Err() != nil {
			return
		}
		if !now.Before(c.NextSend) {
			d.attempt(ctx, c)
			now = d.now()
		}
		if !c.HasPending() {
			return
		}

		delay := c.NextSend.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if limit := d.maxDelay(c); delay > limit {
			c.NextSend = now.Add(limit)
			delay = limit
		}
		if wait == queue.Forever || delay < wait {
			wait = delay
		}
	})
	return wait
}

// maxDelay caps how far ahead a controller may be scheduled, so a clock step
// backwards cannot park a payload indefinitely.
func (d *Dispatcher) maxDelay(c *registry.Controller) time.Duration {
	if d.opts.ErrorInterval > c.MinInterval {
		return d.opts.ErrorInterval
	}
	return c.MinInterval
}

func (d *Dispatcher) attempt(ctx context.Context, c *registry.Controller) {
	c.Attempts++
	res := d.transport.Send(ctx, communicator.Request{
		ControllerID:  c.ID,
		Credential:    c.Credential,
		Fields:        c.Pending,
		CorrelationID: c.CorrelationID,
	})
	if ctx.Err() != nil {
		// stopping; the attempt does not count
		c.Attempts--
		return
	}
	now := d.now()

	if res.OK() {
		d.delivered.Add(1)
		d.observe(ctx, c, communicator.OutcomeDelivered, res, now)

		c.LastSend = now
		c.NextSend = now.Add(c.MinInterval)
		c.Clear()

		if d.failures >= d.opts.ErrorLimit {
			d.log.Info().Time("since", d.firstFailure).Msg("sending recovered")
			d.signals.ClearCondition(ConditionSendFailing, d.firstFailure)
		}
		d.failures = 0
		d.firstFailure = time.Time{}
		d.failGauge.Store(0)
		return
	}

	d.failures++
	d.failGauge.Store(int64(d.failures))
	if d.firstFailure.IsZero() {
		d.firstFailure = now
	}

	ev := d.log.Warn().Uint32("cid", c.ID).Int("attempt", c.Attempts).Str("status", res.Status.String())
	if res.Code != 0 {
		ev = ev.Int("code", res.Code)
	}
	ev.Err(res.Err).Msg("send attempt failed")

	if c.Attempts >= d.opts.MaxAttempts {
		d.dropped.Add(1)
		d.log.Error().Uint32("cid", c.ID).Int("attempts", c.Attempts).
			Str("correlation", c.CorrelationID).Msg("failed to send data, payload dropped")
		d.observe(ctx, c, communicator.OutcomeDropped, res, now)

		c.Clear()
		c.NextSend = now.Add(c.MinInterval)
	} else {
		c.NextSend = now.Add(d.opts.ErrorInterval)
	}

	if d.failures == d.opts.ErrorLimit {
		d.log.Error().Int("failures", d.failures).Time("since", d.firstFailure).Msg("sending is failing")
		d.signals.SetCondition(ConditionSendFailing, d.firstFailure)
	}
}

func (d *Dispatcher) observe(ctx context.Context, c *registry.Controller, outcome communicator.Outcome, res communicator.Result, at time.Time) {
	if d.observer == nil {
		return
	}
	ev := communicator.Delivery{
		Agent:         d.opts.Agent,
		ControllerID:  c.ID,
		Outcome:       outcome,
		Attempts:      c.Attempts,
		Status:        res.Status.String(),
		Code:          res.Code,
		Fields:        string(c.Pending),
		CorrelationID: c.CorrelationID,
		Timestamp:     at,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	d.observer.Observe(ctx, ev)
}
