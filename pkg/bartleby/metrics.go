package bartleby

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	BinariesAdded    *prometheus.CounterVec
	ObjectsRewritten prometheus.Counter
	SymbolsRenamed   prometheus.Counter
	Builds           *prometheus.CounterVec
	ArchiveBytes     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BinariesAdded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bartleby_binaries_added_total",
			Help: "Total number of binaries added to sessions, by result",
		}, []string{"result"}),
		ObjectsRewritten: f.NewCounter(prometheus.CounterOpts{
			Name: "bartleby_objects_rewritten_total",
			Help: "Total number of objects whose symbol table was rewritten",
		}),
		SymbolsRenamed: f.NewCounter(prometheus.CounterOpts{
			Name: "bartleby_symbols_renamed_total",
			Help: "Total number of symbol table entries given a prefix",
		}),
		Builds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bartleby_builds_total",
			Help: "Total number of session builds, by outcome",
		}, []string{"outcome"}),
		ArchiveBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bartleby_archive_bytes",
			Help:    "Size of the archives produced by successful builds",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
}

func (m *Metrics) binaryAdded(err error) {
	if m == nil {
		return
	}
	m.BinariesAdded.WithLabelValues(errorLabel(err)).Inc()
}

func (m *Metrics) objectRewritten(renamed int) {
	if m == nil || renamed == 0 {
		return
	}
	m.ObjectsRewritten.Inc()
	m.SymbolsRenamed.Add(float64(renamed))
}

func (m *Metrics) buildDone(size int, err error) {
	if m == nil {
		return
	}
	m.Builds.WithLabelValues(errorLabel(err)).Inc()
	if err == nil {
		m.ArchiveBytes.Observe(float64(size))
	}
}

func errorLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsInputError(err):
		return "input_error"
	}
	return "internal_error"
}
