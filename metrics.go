package dpcls

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes classifier-internal counters to Prometheus: total
// installed rules, subtable count, per-subtable hit counts, and (when an
// exact-match cache sits in front of the classifier) its hit ratio
// (spec.md §6 "dpcls_count_matches-style introspection"). The zero value
// is not usable; construct with NewMetrics and register it with a
// prometheus.Registerer.
type Metrics struct {
	rules       prometheus.Gauge
	subtables   prometheus.Gauge
	inserts     prometheus.Counter
	removals    prometheus.Counter
	subtableHit *prometheus.CounterVec
	emcHits     prometheus.Counter
	emcMisses   prometheus.Counter
}

// NewMetrics creates a Metrics collector with the given namespace
// (e.g. "dpcls") and registers it with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rules_installed", Help: "Number of rules currently installed.",
		}),
		subtables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subtables", Help: "Number of subtables currently installed.",
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_inserts_total", Help: "Total rule insertions.",
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_removals_total", Help: "Total rule removals.",
		}),
		subtableHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subtable_hits_total", Help: "Lookup hits per subtable mask hash.",
		}, []string{"mask_hash"}),
		emcHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "emc_hits_total", Help: "Exact-match cache hits.",
		}),
		emcMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "emc_misses_total", Help: "Exact-match cache misses.",
		}),
	}
	reg.MustRegister(m.rules, m.subtables, m.inserts, m.removals, m.subtableHit, m.emcHits, m.emcMisses)
	return m
}

func (m *Metrics) observeInsert(st *Subtable) {
	m.inserts.Inc()
	m.rules.Inc()
}

func (m *Metrics) observeRemove(st *Subtable) {
	m.removals.Inc()
	m.rules.Dec()
}

// ObserveSubtableCount sets the subtables gauge directly. Classifier.Insert
// and Classifier.Remove call it with the current subtable count whenever
// metrics are enabled, so callers need not.
func (m *Metrics) ObserveSubtableCount(n int) { m.subtables.Set(float64(n)) }

// ObserveSubtableHit adds count to the cumulative hit counter for the
// subtable identified by maskHash. Subtable.HitCount() resets on every
// Optimize call, so Classifier.Optimize itself calls this for every
// subtable right before resetting counters — callers should not also
// scrape HitCount() independently between Optimize calls, or hits will
// be double-counted.
func (m *Metrics) ObserveSubtableHit(maskHash uint32, count uint64) {
	m.subtableHit.WithLabelValues(hex32(maskHash)).Add(float64(count))
}

// ObserveEMC records one exact-match-cache probe outcome.
func (m *Metrics) ObserveEMC(hit bool) {
	if hit {
		m.emcHits.Inc()
	} else {
		m.emcMisses.Inc()
	}
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}
