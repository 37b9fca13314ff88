package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for scan, transform and ledger flows.
type EngineMetrics struct {
	scansTotal       *prometheus.CounterVec
	findingsTotal    *prometheus.CounterVec
	scanLatency      *prometheus.HistogramVec
	transformsTotal  *prometheus.CounterVec
	reversalsTotal   *prometheus.CounterVec
	ledgerEventTotal *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phideid",
			Subsystem: "engine",
			Name:      "scans_total",
			Help:      "Total scans by outcome and classification",
		}, []string{"status", "classification"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phideid",
			Subsystem: "engine",
			Name:      "findings_total",
			Help:      "Findings by category and jurisdiction",
		}, []string{"category", "jurisdiction"}),
		scanLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phideid",
			Subsystem: "engine",
			Name:      "scan_latency_seconds",
			Help:      "Latency of scan processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"classification"}),
		transformsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phideid",
			Subsystem: "engine",
			Name:      "transforms_total",
			Help:      "De-identifications by outcome",
		}, []string{"status", "fallback"}),
		reversalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phideid",
			Subsystem: "engine",
			Name:      "reversals_total",
			Help:      "Reversal attempts by outcome",
		}, []string{"status"}),
		ledgerEventTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phideid",
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Ledger entries appended by event",
		}, []string{"event"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.scansTotal, m.findingsTotal, m.scanLatency, m.transformsTotal, m.reversalsTotal, m.ledgerEventTotal)
	return m
}

func (m *EngineMetrics) ObserveScan(status, classification string, seconds float64) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(status, classification).Inc()
	if status == "ok" {
		m.scanLatency.WithLabelValues(classification).Observe(seconds)
	}
}

func (m *EngineMetrics) ObserveFindings(category, jurisdiction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.findingsTotal.WithLabelValues(category, jurisdiction).Add(float64(n))
}

func (m *EngineMetrics) ObserveTransform(status string, fallback bool) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.transformsTotal.WithLabelValues(status, label).Inc()
}

func (m *EngineMetrics) ObserveReversal(status string) {
	if m == nil {
		return
	}
	m.reversalsTotal.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveLedgerEvent(event string) {
	if m == nil {
		return
	}
	m.ledgerEventTotal.WithLabelValues(event).Inc()
}
