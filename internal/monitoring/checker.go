package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker samples the run log on an interval, publishes each snapshot and
// raises alerts. An alert type that stays triggered is delivered once until
// a snapshot clears it.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics // may be nil
	cfg       config.MonitoringConfig
	log       *zap.Logger

	mu     sync.Mutex
	active map[AlertType]bool
}

// NewChecker wires a checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		active:    make(map[AlertType]bool),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs <= 0 {
		return defaultCheckInterval
	}
	return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := c.interval()
	c.log.Info("drill health checker started",
		zap.Duration("interval", every),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("drill health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one pass and returns the alerts newly delivered.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("collect run health", zap.Error(err))
		}
		return nil
	}
	c.metrics.RecordSnapshot(snap)

	fresh := c.dedupe(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, fresh)
	c.log.Info("drill alerts raised",
		zap.Int("raised", len(fresh)),
		zap.Int("delivered", sent),
		zap.Float64("failure_rate", snap.FailureRate),
	)
	return fresh
}

// dedupe keeps alerts whose type was not raised by the previous pass and
// forgets types that are no longer triggered.
func (c *Checker) dedupe(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.active = now
	return fresh
}
