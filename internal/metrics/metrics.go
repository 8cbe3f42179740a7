// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xfinite_ocr_request_duration_seconds",
			Help:    "Total time taken for OCR requests in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model"},
	)

	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xfinite_ocr_render_duration_seconds",
			Help:    "Time to rasterize one document in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 30, 60, 120, 300},
		},
		[]string{"workers"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xfinite_ocr_dispatch_duration_seconds",
			Help:    "Time for one inference batch call in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"model"},
	)

	PagesRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_pages_rendered_total",
			Help: "Total number of document pages rasterized",
		},
		[]string{"status"},
	)

	PagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_pages_processed_total",
			Help: "Total number of pages sent through inference",
		},
		[]string{"model", "status"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_request_count_total",
			Help: "Total number of OCR requests processed",
		},
		[]string{"model", "status"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_quota_rejections_total",
			Help: "Requests rejected by the daily page quota",
		},
		[]string{"user_id"},
	)

	ServerLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_server_launches_total",
			Help: "Inference server process launches by model",
		},
		[]string{"model", "status"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_error_count",
			Help: "Error count",
		},
		[]string{"model", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xfinite_ocr_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
