package dispatcher

import (
	"time"

	"github.com/bilal/openmon-agent/internal/config"
)

// Options tunes queueing and the retry policy.
type Options struct {
	Agent string

	QueueSize int
	QueueWait time.Duration

	// MinIntervalFloor raises any controller interval below it. Zero keeps
	// intervals as registered.
	MinIntervalFloor time.Duration
	// ErrorInterval is the backoff before retrying a failed payload.
	ErrorInterval time.Duration
	MaxAttempts   int
	// ErrorLimit is the count of consecutive failures, across all
	// controllers, that raises the send-failing condition.
	ErrorLimit int

	OfflinePoll time.Duration

	// StartSuspended makes Start leave the loop suspended until Resume.
	StartSuspended bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Agent:            cfg.Agent.Name,
		QueueSize:        cfg.Dispatcher.QueueSize,
		QueueWait:        cfg.Dispatcher.QueueWait(),
		MinIntervalFloor: cfg.Dispatcher.MinIntervalFloor(),
		ErrorInterval:    cfg.Dispatcher.ErrorInterval(),
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		ErrorLimit:       cfg.Dispatcher.ErrorLimit,
		OfflinePoll:      cfg.Dispatcher.OfflinePoll(),
		StartSuspended:   cfg.Dispatcher.StartSuspended,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueSize < 1 {
		o.QueueSize = 16
	}
	if o.QueueWait < 0 {
		o.QueueWait = 0
	}
	if o.ErrorInterval <= 0 {
		o.ErrorInterval = time.Second
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.ErrorLimit < 1 {
		o.ErrorLimit = 1
	}
	if o.OfflinePoll <= 0 {
		o.OfflinePoll = time.Second
	}
	return o
}
