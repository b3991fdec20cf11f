// Package scheduler decides when the sync queue attempts delivery. Four
// independent triggers cover platforms without a dependable "wake me when
// online" primitive: drain on enqueue while online, drain on reconnect, a
// foreground poll, and a best-effort last-chance flush during teardown.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shelfsync/pkg/syncqueue"
)

const (
	defaultPollInterval = 30 * time.Second
	backgroundRetryTag  = "shelfsync-drain"
)

type Config struct {
	Signals      PlatformSignals
	PollInterval time.Duration
	// SnapshotPath is the side-channel file for the last-chance flush.
	SnapshotPath string
	// Deliverer sends flush snapshots; defaults to a short-timeout HTTP
	// transport independent of the queue's own.
	Deliverer syncqueue.Deliverer
}

// Scheduler orchestrates drains of a sync queue.
type Scheduler struct {
	queue        *syncqueue.Queue
	signals      PlatformSignals
	pollInterval time.Duration
	snapshotPath string
	deliverer    syncqueue.Deliverer

	mu       sync.Mutex
	started  bool
	pollStop chan struct{}
}

func New(queue *syncqueue.Queue, cfg Config) *Scheduler {
	if cfg.Signals == nil {
		cfg.Signals = NoopSignals{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = newFlushDeliverer()
	}
	return &Scheduler{
		queue:        queue,
		signals:      cfg.Signals,
		pollInterval: cfg.PollInterval,
		snapshotPath: cfg.SnapshotPath,
		deliverer:    cfg.Deliverer,
	}
}

// Start wires the four triggers and replays any snapshot left behind by a
// previous teardown. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.replaySnapshot(ctx)

	s.queue.OnEnqueue(func() {
		if s.signals.IsOnline() {
			go s.drain(ctx, "enqueue")
			return
		}
		if registrar, ok := s.signals.(BackgroundRetryRegistrar); ok {
			if err := registrar.RegisterBackgroundRetry(backgroundRetryTag); err != nil {
				slog.Debug("background retry registration unavailable", "err", err)
			}
		}
	})

	s.signals.OnReconnect(func() {
		go s.drain(ctx, "reconnect")
	})

	s.signals.OnVisibilityChange(func(visible bool) {
		if visible {
			s.startPolling(ctx)
		} else {
			s.stopPolling()
		}
	})

	s.signals.OnTeardown(func() {
		s.LastChanceFlush(ctx)
	})

	if s.signals.IsOnline() {
		go s.drain(ctx, "startup")
	}
	s.startPolling(ctx)
}

// Stop halts the foreground poll.
func (s *Scheduler) Stop() {
	s.stopPolling()
}

// startPolling begins the foreground fallback timer. The poll only runs
// while the application is visible; backgrounding stops it to avoid wasted
// wakeups.
func (s *Scheduler) startPolling(ctx context.Context) {
	s.mu.Lock()
	if s.pollStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if !s.signals.IsOnline() {
					continue
				}
				has, err := s.queue.HasPending(ctx)
				if err != nil || !has {
					continue
				}
				s.drain(ctx, "poll")
			}
		}
	}()
}

func (s *Scheduler) stopPolling() {
	s.mu.Lock()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) drain(ctx context.Context, trigger string) {
	res, err := s.queue.ProcessQueue(ctx)
	if err != nil {
		slog.Warn("drain failed", "trigger", trigger, "err", err)
		return
	}
	if res.Delivered > 0 || res.Failed > 0 {
		slog.Debug("drain finished", "trigger", trigger,
			"delivered", res.Delivered, "requeued", res.Requeued, "failed", res.Failed)
	}
}
