package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine.
type Metrics struct {
	registry             *prometheus.Registry
	cacheHitsTotal       prometheus.Counter
	cacheMissesTotal     prometheus.Counter
	cacheEvictionsTotal  prometheus.Counter
	framesFetchedTotal   prometheus.Counter
	framesDecodedTotal   prometheus.Counter
	frameFailuresTotal   prometheus.Counter
	bufferingEventsTotal prometheus.Counter
	schedulerTicksTotal  prometheus.Counter
	cacheEntries         prometheus.Gauge
	cacheBytes           prometheus.Gauge
	playingSlots         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine on a fresh
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	cacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_cache_hits_total",
		Help: "Total number of frame cache hits",
	})
	cacheMissesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_cache_misses_total",
		Help: "Total number of frame cache misses",
	})
	cacheEvictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_cache_evictions_total",
		Help: "Total number of frames evicted from the cache",
	})
	framesFetchedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_frames_fetched_total",
		Help: "Total number of frame payloads fetched from the source",
	})
	framesDecodedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_frames_decoded_total",
		Help: "Total number of frames decoded and registered with the renderer",
	})
	frameFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_frame_failures_total",
		Help: "Total number of per-frame fetch or decode failures",
	})
	bufferingEventsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_buffering_events_total",
		Help: "Total number of times a playing slot entered buffering",
	})
	schedulerTicksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cine_scheduler_ticks_total",
		Help: "Total number of frame-advancing scheduler ticks",
	})
	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cine_cache_entries",
		Help: "Number of frames currently cached",
	})
	cacheBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cine_cache_bytes",
		Help: "Total byte size of cached frames",
	})
	playingSlots := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cine_playing_slots",
		Help: "Number of slots currently playing",
	})

	registry.MustRegister(
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		framesFetchedTotal,
		framesDecodedTotal,
		frameFailuresTotal,
		bufferingEventsTotal,
		schedulerTicksTotal,
		cacheEntries,
		cacheBytes,
		playingSlots,
	)

	return &Metrics{
		registry:             registry,
		cacheHitsTotal:       cacheHitsTotal,
		cacheMissesTotal:     cacheMissesTotal,
		cacheEvictionsTotal:  cacheEvictionsTotal,
		framesFetchedTotal:   framesFetchedTotal,
		framesDecodedTotal:   framesDecodedTotal,
		frameFailuresTotal:   frameFailuresTotal,
		bufferingEventsTotal: bufferingEventsTotal,
		schedulerTicksTotal:  schedulerTicksTotal,
		cacheEntries:         cacheEntries,
		cacheBytes:           cacheBytes,
		playingSlots:         playingSlots,
	}
}

// IncCacheHit increments the cache hit counter.
func (m *Metrics) IncCacheHit() {
	m.cacheHitsTotal.Inc()
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	m.cacheMissesTotal.Inc()
}

// IncCacheEviction increments the eviction counter.
func (m *Metrics) IncCacheEviction() {
	m.cacheEvictionsTotal.Inc()
}

// AddFramesFetched adds n to the fetched-frames counter.
func (m *Metrics) AddFramesFetched(n int) {
	m.framesFetchedTotal.Add(float64(n))
}

// IncFrameDecoded increments the decoded-frames counter.
func (m *Metrics) IncFrameDecoded() {
	m.framesDecodedTotal.Inc()
}

// AddFrameFailures adds n to the per-frame failure counter.
func (m *Metrics) AddFrameFailures(n int) {
	m.frameFailuresTotal.Add(float64(n))
}

// IncBufferingEvent increments the buffering transition counter.
func (m *Metrics) IncBufferingEvent() {
	m.bufferingEventsTotal.Inc()
}

// IncSchedulerTick increments the scheduler tick counter.
func (m *Metrics) IncSchedulerTick() {
	m.schedulerTicksTotal.Inc()
}

// SetCacheEntries sets the cached-frames gauge.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// SetCacheBytes sets the cached-bytes gauge.
func (m *Metrics) SetCacheBytes(n int64) {
	m.cacheBytes.Set(float64(n))
}

// SetPlayingSlots sets the playing-slots gauge.
func (m *Metrics) SetPlayingSlots(n int) {
	m.playingSlots.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. cache population).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
