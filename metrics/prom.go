package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteDisclosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawtext_paste_disclosed_total",
			Help: "no. of successful paste reads",
		},
		[]string{"source"},
	)
	PasteDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawtext_paste_denied_total",
			Help: "no. of reads refused, by reason",
		},
		[]string{"reason"},
	)
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_paste_burned_total",
		Help: "no. of burn-after-read pastes deleted after disclosure",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rawtext_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawtext_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"action"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PastesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_pastes_pruned_total",
		Help: "no. of expired pastes removed by the reaper",
	})
	FinalizeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawtext_finalize_failures_total",
			Help: "no. of failed post-disclosure steps",
		},
		[]string{"step"},
	)
	FinalizeInline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rawtext_finalize_inline_total",
		Help: "no. of finalize tasks run on the request goroutine because the queue was full",
	})
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawtext_seal_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
)
