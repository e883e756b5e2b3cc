package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/compose"
	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/monitoring"
	"github.com/homenest/nous/internal/resilience"
	"github.com/homenest/nous/internal/store"
	"github.com/homenest/nous/pkg/anthropic"
	"github.com/homenest/nous/pkg/voiceagent"
	"github.com/homenest/nous/pkg/workflow"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "nous.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func timeout(secs int) time.Duration {
	if secs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// initDispatcher wires the dispatcher with whichever external clients are
// configured. Operations needing a missing client fail with a validation
// error.
func initDispatcher(st store.Store, metrics *monitoring.Metrics) (*dispatch.Dispatcher, error) {
	catalog, err := compose.LoadCatalog(cfg.Scenarios.Path)
	if err != nil {
		return nil, err
	}

	retryCfg := resilience.FromConfig(cfg.Retry)
	opts := []dispatch.Option{
		dispatch.WithBreakers(resilience.NewServiceBreakers(resilience.BreakerFromConfig(cfg.Circuit))),
	}
	if metrics != nil {
		opts = append(opts, dispatch.WithObserver(metrics))
	}

	if cfg.Workflow.WebhookURL != "" {
		opts = append(opts, dispatch.WithWebhook(workflow.NewClient(cfg.Workflow.WebhookURL,
			workflow.WithSecret(cfg.Workflow.Secret),
			workflow.WithRetry(retryCfg),
			workflow.WithHTTPClient(&http.Client{Timeout: timeout(cfg.Workflow.TimeoutSecs)}),
		)))
	}
	if cfg.VoiceAgent.Key != "" {
		opts = append(opts, dispatch.WithVoice(voiceagent.NewClient(cfg.VoiceAgent.Key,
			voiceagent.WithBaseURL(cfg.VoiceAgent.BaseURL),
			voiceagent.WithRateLimit(cfg.VoiceAgent.RateLimit),
			voiceagent.WithRetry(retryCfg),
			voiceagent.WithHTTPClient(&http.Client{Timeout: timeout(cfg.VoiceAgent.TimeoutSecs)}),
		)))
	}
	if cfg.Anthropic.Key != "" {
		drafter := compose.NewDrafter(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
		opts = append(opts, dispatch.WithComposer(compose.NewComposer(drafter)))
	} else {
		zap.L().Debug("anthropic key not set, email personalization disabled")
	}

	return dispatch.New(st, catalog, dispatch.Config{
		SenderName:      cfg.Email.SenderName,
		SenderEmail:     cfg.Email.SenderAddress,
		AgentID:         cfg.VoiceAgent.AgentID,
		PhoneNumberID:   cfg.VoiceAgent.PhoneNumberID,
		CallDelay:       time.Duration(cfg.Queue.CallDelayMS) * time.Millisecond,
		MaxEmailBatch:   cfg.Queue.MaxEmailBatch,
		MaxItemRetries:  cfg.Queue.MaxItemRetries,
		RetrySweepLimit: cfg.Queue.RetrySweepLimit,
		Retry:           retryCfg,
	}, opts...), nil
}
