// Package metrics holds the Prometheus collectors shared across the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DownloadServed    = "served"
	DownloadForbidden = "forbidden"
	DownloadNotFound  = "not_found"
	DownloadError     = "error"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_http_requests_total",
			Help: "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notes_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	NotesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_uploaded_total",
		Help: "Notes successfully uploaded.",
	})

	NotesApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_approved_total",
		Help: "Notes moved from pending to approved.",
	})

	NoteDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "note_downloads_total",
			Help: "Download attempts by result.",
		},
		[]string{"result"},
	)

	AuthCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_cache_hits_total",
		Help: "Token verifications served from the cache.",
	})

	AuthCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_cache_misses_total",
		Help: "Token verifications that missed the cache.",
	})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notes_websocket_connections",
		Help: "Currently connected websocket clients.",
	})
)
