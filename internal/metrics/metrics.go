// Package metrics records pipeline counters and durations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives pipeline events from the install service.
type Metrics interface {
	ObserveInstall(outcome string, d time.Duration)
	ObserveUninstall(outcome string)
	ObserveValidation(status string)
	ObserveReconcile(status string)
	AddDownloadedBytes(n int64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveInstall(string, time.Duration) {}
func (Noop) ObserveUninstall(string)              {}
func (Noop) ObserveValidation(string)             {}
func (Noop) ObserveReconcile(string)              {}
func (Noop) AddDownloadedBytes(int64)             {}

// OrNoop returns m, or Noop when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	installs        *prometheus.CounterVec
	installDuration *prometheus.HistogramVec
	uninstalls      *prometheus.CounterVec
	validations     *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	downloadedBytes prometheus.Counter
	once            sync.Once
}

// NewProm creates collectors under namespace and registers them with reg,
// or the default registerer when reg is nil.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	p := &Prom{
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Install attempts by outcome (ok or fault kind)",
		}, []string{"outcome"}),
		installDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_duration_seconds",
			Help:      "Install duration by outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		uninstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uninstalls_total",
			Help:      "Uninstalls by outcome",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validation results by status",
		}, []string{"status"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_items_total",
			Help:      "Reconciled items by status",
		}, []string{"status"}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Payload bytes downloaded by successful installs",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p.register(reg)
	return p
}

func (p *Prom) register(reg prometheus.Registerer) {
	p.once.Do(func() {
		reg.MustRegister(p.installs, p.installDuration, p.uninstalls, p.validations, p.reconciled, p.downloadedBytes)
	})
}

func (p *Prom) ObserveInstall(outcome string, d time.Duration) {
	p.installs.WithLabelValues(outcome).Inc()
	p.installDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prom) ObserveUninstall(outcome string) {
	p.uninstalls.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObserveValidation(status string) {
	p.validations.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveReconcile(status string) {
	p.reconciled.WithLabelValues(status).Inc()
}

func (p *Prom) AddDownloadedBytes(n int64) {
	if n > 0 {
		p.downloadedBytes.Add(float64(n))
	}
}

// WriteTextfile writes the gathered metrics in the text exposition format,
// for collection by a node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return prometheus.WriteToTextfile(path, g)
}
