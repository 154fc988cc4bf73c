package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen     AlertType = "circuit_open"
	AlertFailureRate     AlertType = "failure_rate"
	AlertQuotaNearExhaus AlertType = "daily_quota_near_exhaustion"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlertConfig holds alerting thresholds and the webhook destination.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`

	// FailureRateThreshold triggers an alert when a source's rolling failure
	// rate exceeds it (with at least MinSamples calls observed).
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinSamples           int64   `yaml:"min_samples" mapstructure:"min_samples"`

	// QuotaAlertFraction triggers an alert when daily quota usage crosses
	// this fraction (default 0.9).
	QuotaAlertFraction float64 `yaml:"quota_alert_fraction" mapstructure:"quota_alert_fraction"`

	CheckIntervalSecs int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// Alerter evaluates snapshots against thresholds and delivers webhook alerts.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given config.
func NewAlerter(cfg AlertConfig) *Alerter {
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.QuotaAlertFraction <= 0 {
		cfg.QuotaAlertFraction = 0.9
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, src := range snap.Sources {
		if src.CircuitState == "open" {
			alerts = append(alerts, Alert{
				Type:     AlertCircuitOpen,
				Severity: "high",
				Message:  fmt.Sprintf("circuit for source %s is open after %d consecutive failures", src.SourceID, src.ConsecutiveFailures),
				Details: map[string]any{
					"source":               src.SourceID,
					"consecutive_failures": src.ConsecutiveFailures,
					"trips":                src.Trips,
				},
				Timestamp: now,
			})
		}

		total := src.Successes + src.Failures
		if total >= a.cfg.MinSamples && src.FailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf("source %s failure rate %.1f%% exceeds threshold %.1f%%",
					src.SourceID, src.FailRate*100, a.cfg.FailureRateThreshold*100),
				Details: map[string]any{
					"source":    src.SourceID,
					"fail_rate": src.FailRate,
					"failures":  src.Failures,
					"total":     total,
				},
				Timestamp: now,
			})
		}

		if src.Rate.DayCeiling > 0 {
			used := float64(src.Rate.DayUsed) / float64(src.Rate.DayCeiling)
			if used >= a.cfg.QuotaAlertFraction {
				alerts = append(alerts, Alert{
					Type:     AlertQuotaNearExhaus,
					Severity: "medium",
					Message: fmt.Sprintf("source %s has used %.0f%% of its daily quota (%d/%d)",
						src.SourceID, used*100, src.Rate.DayUsed, src.Rate.DayCeiling),
					Details: map[string]any{
						"source":   src.SourceID,
						"day_used": src.Rate.DayUsed,
						"ceiling":  src.Rate.DayCeiling,
					},
					Timestamp: now,
				})
			}
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
