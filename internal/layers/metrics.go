package layers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_layer_forward_duration_seconds",
		Help:    "Time spent in layer forward compute",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	backwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_layer_backward_duration_seconds",
		Help:    "Time spent in layer backward compute",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	masksDrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_dropout_masks_drawn_total",
		Help: "Total dropout masks drawn during training forward passes",
	})
)

func observeForward(layerType string, start time.Time) {
	forwardDuration.WithLabelValues(layerType).Observe(time.Since(start).Seconds())
}

func observeBackward(layerType string, start time.Time) {
	backwardDuration.WithLabelValues(layerType).Observe(time.Since(start).Seconds())
}
