package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures collector registration.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Admissions  *prometheus.CounterVec
	RiskScore   prometheus.Histogram
	Incidents   *prometheus.CounterVec
	CodesIssued prometheus.Counter
}

// New constructs the collectors and registers them with the provided registerer.
func New(opts Options) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "attendguard"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	admissions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Attendance submissions partitioned by outcome (admitted or rejection kind).",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	score, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Risk scores computed for submissions (100 is safest).",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	}))
	if err != nil {
		return nil, err
	}
	incidents, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incidents_total",
		Help:      "Security incidents recorded, partitioned by type and severity.",
	}, []string{"type", "severity"}))
	if err != nil {
		return nil, err
	}
	issued, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "codes_issued_total",
		Help:      "Verification codes freshly issued (idempotent re-issues excluded).",
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Admissions:  admissions,
		RiskScore:   score,
		Incidents:   incidents,
		CodesIssued: issued,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// Admission counts a finished submission.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

// ObserveScore records a computed risk score.
func (m *Metrics) ObserveScore(score int) {
	if m == nil {
		return
	}
	m.RiskScore.Observe(float64(score))
}

// Incident counts a recorded security incident.
func (m *Metrics) Incident(typ, severity string) {
	if m == nil {
		return
	}
	m.Incidents.WithLabelValues(typ, severity).Inc()
}

// CodeIssued counts a freshly issued code.
func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.CodesIssued.Inc()
}
