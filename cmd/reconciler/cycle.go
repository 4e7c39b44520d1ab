package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/expiration"
	"github.com/eddiefleurent/ledgerkeeper/internal/reconciler"
	"github.com/eddiefleurent/ledgerkeeper/internal/server"
	"github.com/eddiefleurent/ledgerkeeper/internal/watchlist"
)

type positionRunner interface {
	Run(ctx context.Context) (*reconciler.Summary, error)
}

type expirationRunner interface {
	Run(ctx context.Context) (*expiration.Report, error)
	CheckUpcoming(ctx context.Context) (int, error)
}

type watchlistRunner interface {
	CheckEntries(ctx context.Context) (*watchlist.Results, error)
}

// Cycle runs the three reconcilers in order, one cycle at a time.
type Cycle struct {
	positions  positionRunner
	expiration expirationRunner
	watchlist  watchlistRunner
	logger     logrus.FieldLogger
	interval   time.Duration
	shouldRun  func(time.Time) bool
	now        func() time.Time

	trigger chan struct{}
	runMu   sync.Mutex // serializes cycles

	mu     sync.Mutex
	status server.CycleStatus
}

// NewCycle creates a Cycle. shouldRun gates scheduled cycles; manual
// triggers always run.
func NewCycle(
	positions positionRunner,
	exp expirationRunner,
	watch watchlistRunner,
	interval time.Duration,
	shouldRun func(time.Time) bool,
	logger logrus.FieldLogger,
) *Cycle {
	if shouldRun == nil {
		shouldRun = func(time.Time) bool { return true }
	}
	return &Cycle{
		positions:  positions,
		expiration: exp,
		watchlist:  watch,
		logger:     logger.WithField("component", "cycle"),
		interval:   interval,
		shouldRun:  shouldRun,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

// Status implements server.Cycle.
func (c *Cycle) Status() server.CycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	if st.Components != nil {
		comps := make(map[string]any, len(st.Components))
		for k, v := range st.Components {
			comps[k] = v
		}
		st.Components = comps
	}
	return st
}

// Trigger implements server.Cycle.
func (c *Cycle) Trigger() bool {
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Loop runs a cycle immediately, then on every interval tick or manual
// trigger until ctx is cancelled.
func (c *Cycle) Loop(ctx context.Context) error {
	c.logger.WithField("interval", c.interval.String()).Info("cycle loop starting")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.scheduled(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cycle loop stopped")
			return nil
		case <-ticker.C:
			c.scheduled(ctx)
		case <-c.trigger:
			c.logger.Info("running manually triggered cycle")
			c.RunOnce(ctx)
		}
	}
}

func (c *Cycle) scheduled(ctx context.Context) {
	now := c.now()
	if !c.shouldRun(now) {
		c.logger.WithField("now", now.Format(time.RFC3339)).Debug("outside trading hours, skipping cycle")
		return
	}
	c.RunOnce(ctx)
}

// RunOnce runs position, expiration and watchlist reconciliation in that
// order. A failing step is logged and the remaining steps still run.
func (c *Cycle) RunOnce(ctx context.Context) server.CycleStatus {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	c.status.Running = true
	c.status.StartedAt = c.now()
	c.mu.Unlock()

	comps := make(map[string]any, 3)
	var lastErr error

	if sum, err := c.positions.Run(ctx); err != nil {
		c.logger.WithError(err).Error("position reconciliation failed")
		lastErr = err
	} else {
		comps["position"] = sum
	}

	if rep, err := c.expiration.Run(ctx); err != nil {
		c.logger.WithError(err).Error("expiration reconciliation failed")
		lastErr = err
	} else {
		comps["expiration"] = rep
	}
	if sent, err := c.expiration.CheckUpcoming(ctx); err != nil {
		c.logger.WithError(err).Warn("expiry warning check failed")
		lastErr = err
	} else {
		comps["expiry_warnings"] = sent
	}

	if res, err := c.watchlist.CheckEntries(ctx); err != nil {
		c.logger.WithError(err).Error("watchlist check failed")
		lastErr = err
	} else {
		comps["watchlist"] = res
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = false
	c.status.Runs++
	c.status.FinishedAt = c.now()
	c.status.Components = comps
	c.status.LastError = ""
	if lastErr != nil {
		c.status.LastError = lastErr.Error()
	}
	c.logger.WithFields(logrus.Fields{
		"run":      c.status.Runs,
		"duration": c.status.FinishedAt.Sub(c.status.StartedAt).String(),
		"failed":   lastErr != nil,
	}).Info("cycle complete")
	return c.status
}

var _ server.Cycle = (*Cycle)(nil)
