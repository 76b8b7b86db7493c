package am

import (
	"sort"
	"strings"

	"github.com/teranos/tasknet/errors"
)

// QueueNames are the priority queues a [pulse.queues] table may configure.
var QueueNames = []string{"HIGH", "REGULAR"}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 means default, out of range is invalid
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}

	// Pulse ticker interval: 0 = no periodic ticking, negative = invalid
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.RetentionHours < 0 {
		return errors.Newf("pulse.retention_hours must be >= 0, got %f", c.Pulse.RetentionHours)
	}

	// Queue keys are lower-cased by viper, so names match case-insensitively
	for _, name := range sortedQueueKeys(c.Pulse.Queues) {
		q := c.Pulse.Queues[name]
		if !isQueueName(name) {
			return errors.Newf("pulse.queues.%s is not a queue, expected one of %s", name, strings.Join(QueueNames, ", "))
		}
		if q.RequestsPerSecond < 0 {
			return errors.Newf("pulse.queues.%s.requests_per_second must be >= 0, got %f", name, q.RequestsPerSecond)
		}
		if q.Burst < 0 {
			return errors.Newf("pulse.queues.%s.burst must be >= 0, got %d", name, q.Burst)
		}
	}

	if c.Discovery.ProbeTimeoutSeconds <= 0 {
		return errors.Newf("discovery.probe_timeout_seconds must be > 0, got %f", c.Discovery.ProbeTimeoutSeconds)
	}
	if c.Discovery.RefreshIntervalSeconds < 0 {
		return errors.Newf("discovery.refresh_interval_seconds must be >= 0, got %d", c.Discovery.RefreshIntervalSeconds)
	}

	return nil
}

// QueueLimits returns the [pulse.queues] table keyed by upper-case queue name
func (p PulseConfig) QueueLimits() map[string]QueueConfig {
	limits := make(map[string]QueueConfig, len(p.Queues))
	for name, q := range p.Queues {
		limits[strings.ToUpper(name)] = q
	}
	return limits
}

func isQueueName(name string) bool {
	for _, q := range QueueNames {
		if strings.EqualFold(q, name) {
			return true
		}
	}
	return false
}

func sortedQueueKeys(m map[string]QueueConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
