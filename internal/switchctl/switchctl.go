// Package switchctl decides when a session should abandon its current
// upstream provider for the alternate one.
//
// The controller watches per-provider latency samples. Once the current
// provider delivers a configured number of consecutive samples above the
// latency threshold, it requests a switch to the other provider. Samples
// from the provider not currently serving the session are recorded but
// never trigger a switch.
package switchctl

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Defaults applied when the configuration leaves them unset.
const (
	DefaultThreshold    = 500 * time.Millisecond
	DefaultConsecutives = 3
)

// maxSamples bounds the per-provider history. Only the newest
// consecutive-count samples matter for the decision; the rest is kept for
// inspection and trimmed.
const maxSamples = 64

// LatencySample is one liveness measurement against an upstream provider.
type LatencySample struct {
	Provider  rtevent.Vendor
	Latency   time.Duration
	Timestamp time.Time
}

// Controller evaluates latency samples and fires the switch callback. Safe
// for concurrent use, though the pipeline serialises calls in practice.
type Controller struct {
	threshold    time.Duration
	consecutives int
	log          *slog.Logger

	mu       sync.Mutex
	current  rtevent.Vendor
	samples  map[rtevent.Vendor][]time.Duration
	onSwitch func(to rtevent.Vendor)
}

// New builds a Controller starting on the given provider. Zero threshold or
// consecutive count fall back to the defaults.
func New(current rtevent.Vendor, threshold time.Duration, consecutives int, log *slog.Logger) *Controller {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if consecutives <= 0 {
		consecutives = DefaultConsecutives
	}
	return &Controller{
		threshold:    threshold,
		consecutives: consecutives,
		log:          log.With("component", "switchctl"),
		current:      current,
		samples:      make(map[rtevent.Vendor][]time.Duration),
	}
}

// OnSwitch registers the callback fired when a switch is requested. The
// callback runs synchronously inside AddStats, after the controller has
// already moved to the target provider.
func (c *Controller) OnSwitch(fn func(to rtevent.Vendor)) {
	c.mu.Lock()
	c.onSwitch = fn
	c.mu.Unlock()
}

// Current returns the provider the controller believes is serving the
// session.
func (c *Controller) Current() rtevent.Vendor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AddStats records a sample and requests a switch when the current provider
// has exceeded the threshold for the configured number of consecutive
// samples. Samples exactly at the threshold do not count as failures.
func (c *Controller) AddStats(sample LatencySample) {
	c.mu.Lock()

	seq := append(c.samples[sample.Provider], sample.Latency)
	if len(seq) > maxSamples {
		seq = seq[len(seq)-maxSamples:]
	}
	c.samples[sample.Provider] = seq

	if sample.Provider != c.current || len(seq) < c.consecutives {
		c.mu.Unlock()
		return
	}
	for _, lat := range seq[len(seq)-c.consecutives:] {
		if lat <= c.threshold {
			c.mu.Unlock()
			return
		}
	}

	from := c.current
	to := from.Other()
	// Clearing the leaving provider's history forces a full window of fresh
	// samples before a reverse switch can fire.
	delete(c.samples, from)
	c.current = to
	fn := c.onSwitch
	c.mu.Unlock()

	c.log.Warn("provider latency degraded, requesting switch",
		"from", from, "to", to,
		"threshold", c.threshold, "consecutive", c.consecutives)
	if fn != nil {
		fn(to)
	}
}

// Cleanup drops the sample history and the callback.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	c.samples = make(map[rtevent.Vendor][]time.Duration)
	c.onSwitch = nil
	c.mu.Unlock()
}
