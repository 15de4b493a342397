// Package telemetry exposes training progress as Prometheus metrics.
//
// The trainer reports through [Recorder]. [Noop] is used when metrics are
// off; [Prometheus] registers its collectors on its own registry so several
// runs in one process never collide.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives training events.
type Recorder interface {
	// RecordStep is called after each optimizer update.
	RecordStep(lr, loss, gradNorm float64)

	// RecordEpoch is called when an epoch (including its evaluation) ends.
	RecordEpoch(epoch int, duration time.Duration)

	// RecordEval is called after each evaluation pass.
	RecordEval(split string, hitAt map[int]float64, duration time.Duration)

	// RecordCheckpoint is called after each best-checkpoint save attempt.
	RecordCheckpoint(best float64, err error)
}

// Noop discards every event.
type Noop struct{}

func (Noop) RecordStep(float64, float64, float64)              {}
func (Noop) RecordEpoch(int, time.Duration)                    {}
func (Noop) RecordEval(string, map[int]float64, time.Duration) {}
func (Noop) RecordCheckpoint(float64, error)                   {}

// Prometheus records events into Prometheus collectors.
type Prometheus struct {
	registry *prometheus.Registry

	steps       prometheus.Counter
	lr          prometheus.Gauge
	loss        prometheus.Gauge
	gradNorm    prometheus.Gauge
	epoch       prometheus.Gauge
	epochTime   prometheus.Histogram
	hitAt       *prometheus.GaugeVec
	evalTime    *prometheus.HistogramVec
	bestMetric  prometheus.Gauge
	checkpoints *prometheus.CounterVec
}

// NewPrometheus creates the collectors under namespace and registers them on
// a fresh registry.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "promptel"
	}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_steps_total",
			Help:      "Optimizer updates applied.",
		}),
		lr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Learning rate used by the last update.",
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Accumulated loss of the last update step.",
		}),
		gradNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grad_norm",
			Help:      "Global gradient norm before clipping.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Last completed epoch.",
		}),
		epochTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_duration_seconds",
			Help:      "Wall time per epoch including evaluation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		hitAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hit_at_k",
			Help:      "Fraction of mentions whose gold entity ranks in the top k.",
		}, []string{"split", "k"}),
		evalTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eval_duration_seconds",
			Help:      "Wall time per evaluation pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"split"}),
		bestMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_val_hit_at_1",
			Help:      "Best validation hit@1 kept as a checkpoint.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Best-checkpoint saves by outcome.",
		}, []string{"result"}),
	}
	p.registry.MustRegister(
		p.steps, p.lr, p.loss, p.gradNorm, p.epoch, p.epochTime,
		p.hitAt, p.evalTime, p.bestMetric, p.checkpoints,
	)
	return p
}

// Registry returns the registry holding the collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordStep implements Recorder.
func (p *Prometheus) RecordStep(lr, loss, gradNorm float64) {
	p.steps.Inc()
	p.lr.Set(lr)
	p.loss.Set(loss)
	p.gradNorm.Set(gradNorm)
}

// RecordEpoch implements Recorder.
func (p *Prometheus) RecordEpoch(epoch int, duration time.Duration) {
	p.epoch.Set(float64(epoch))
	p.epochTime.Observe(duration.Seconds())
}

// RecordEval implements Recorder.
func (p *Prometheus) RecordEval(split string, hitAt map[int]float64, duration time.Duration) {
	for k, v := range hitAt {
		p.hitAt.WithLabelValues(split, strconv.Itoa(k)).Set(v)
	}
	p.evalTime.WithLabelValues(split).Observe(duration.Seconds())
}

// RecordCheckpoint implements Recorder.
func (p *Prometheus) RecordCheckpoint(best float64, err error) {
	if err != nil {
		p.checkpoints.WithLabelValues("error").Inc()
		return
	}
	p.checkpoints.WithLabelValues("ok").Inc()
	p.bestMetric.Set(best)
}
