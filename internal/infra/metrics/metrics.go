// Package metrics provides Prometheus collectors for the playback daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
	OutcomeRetried  = "retried"
)

var (
	engineConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_engine_connect_total",
		Help: "Playback engine connection attempts by outcome",
	}, []string{"outcome"})

	engineReleaseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kmedia_engine_release_total",
		Help: "Playback engine handles released (stale, explicit release, or shutdown)",
	})

	commandTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_command_total",
		Help: "Control commands executed against the engine by op/outcome",
	}, []string{"op", "outcome"})

	commandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kmedia_command_queue_depth",
		Help: "Control commands waiting for a live engine connection",
	})

	sleepTimerStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_sleep_timer_start_total",
		Help: "Sleep timers started by mode",
	}, []string{"mode"})

	sleepTimerExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_sleep_timer_expired_total",
		Help: "Sleep timers that reached expiry by mode and whether a fade ran",
	}, []string{"mode", "faded"})

	cacheStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_cache_status_total",
		Help: "Cache status events by status",
	}, []string{"status"})

	cacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kmedia_cache_used_bytes",
		Help: "Bytes used by cached media (0 while caching is disabled)",
	})

	playbackEventTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kmedia_playback_event_total",
		Help: "Playback state changes reported by the engine by event",
	}, []string{"event"})

	trackPlayedSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kmedia_track_played_seconds",
		Help:    "Play time per track reported on track transitions",
		Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300, 600, 1200},
	})
)

// IncEngineConnect counts an engine connection attempt.
func IncEngineConnect(outcome string) {
	engineConnectTotal.WithLabelValues(outcome).Inc()
}

// IncEngineRelease counts a released engine handle.
func IncEngineRelease() {
	engineReleaseTotal.Inc()
}

// IncCommand counts a control command by op and outcome.
func IncCommand(op, outcome string) {
	commandTotal.WithLabelValues(op, outcome).Inc()
}

// SetCommandQueueDepth records how many commands are waiting.
func SetCommandQueueDepth(n int) {
	commandQueueDepth.Set(float64(n))
}

// IncSleepTimerStart counts a started sleep timer.
func IncSleepTimerStart(mode string) {
	sleepTimerStartTotal.WithLabelValues(mode).Inc()
}

// IncSleepTimerExpired counts a sleep timer expiry.
func IncSleepTimerExpired(mode string, faded bool) {
	f := "false"
	if faded {
		f = "true"
	}
	sleepTimerExpiredTotal.WithLabelValues(mode, f).Inc()
}

// IncCacheStatus counts a cache status event.
func IncCacheStatus(status string) {
	cacheStatusTotal.WithLabelValues(status).Inc()
}

// SetCacheUsedBytes records the sampled cache size.
func SetCacheUsedBytes(n int64) {
	cacheUsedBytes.Set(float64(n))
}

// ObserveTrackPlayed records the play time of a finished track.
func ObserveTrackPlayed(seconds float64) {
	trackPlayedSeconds.Observe(seconds)
}

// IncPlaybackEvent counts a playback state change.
func IncPlaybackEvent(event string) {
	playbackEventTotal.WithLabelValues(event).Inc()
}
