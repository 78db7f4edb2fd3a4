package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var errMissingJob = errors.New("metrics: push job name is required")

// PushConfig describes where a one-shot command publishes its metrics.
type PushConfig struct {
	GatewayURL string
	Job        string
	// Grouping labels identify the pushed group, e.g. the command name.
	Grouping map[string]string
	// Gatherer defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// Enabled reports whether a gateway is configured.
func (c PushConfig) Enabled() bool {
	return strings.TrimSpace(c.GatewayURL) != ""
}

// Push replaces the metric group on the pushgateway with the current values.
// It is a no-op when no gateway is configured.
func Push(ctx context.Context, cfg PushConfig) error {
	if !cfg.Enabled() {
		return nil
	}
	job := strings.TrimSpace(cfg.Job)
	if job == "" {
		return errMissingJob
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	pusher := push.New(strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/"), job).Gatherer(gatherer)
	for name, value := range cfg.Grouping {
		pusher = pusher.Grouping(name, value)
	}
	return pusher.PushContext(ctx)
}
