package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/homenest/nous/internal/config"
)

// Checker runs one collect, evaluate and send cycle. The serve command
// schedules it with cron.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check collects a snapshot and sends any alerts it triggers. It returns
// the number of alerts triggered.
func (c *Checker) Check(ctx context.Context) (int, error) {
	lookback := c.cfg.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		return 0, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("finished", snap.Finished()),
			zap.Int("retry_backlog", snap.RetryBacklog),
		)
		return 0, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return len(alerts), nil
}
