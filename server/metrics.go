package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/imgclassify/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK           = "ok"
	outcomeNoUpload     = "no_upload"
	outcomeTooLarge     = "too_large"
	outcomeIO           = "io"
	outcomeDecode       = "decode"
	outcomeInference    = "inference"
	outcomeUnknownClass = "unknown_class"
)

type metrics struct {
	requests    *prometheus.CounterVec
	predictions *prometheus.CounterVec
	latency     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, tracker *storage.Tracker) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgclassify_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgclassify_predictions_total",
			Help: "Upload handling outcomes",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imgclassify_prediction_duration_seconds",
			Help:    "Time spent decoding, preprocessing and classifying an image",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requests, m.predictions, m.latency)
	if tracker != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "imgclassify_tracked_files",
			Help: "Uploaded files pending removal at shutdown",
		}, func() float64 { return float64(tracker.Len()) }))
	}
	return m
}

func (m *metrics) observeOutcome(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

func (m *metrics) observeLatency(d time.Duration) {
	m.latency.Observe(d.Seconds())
}

func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requests.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
