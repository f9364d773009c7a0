package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"positionLedger/internal/ledger"
)

// Metrics holds the Prometheus collectors of the sync and refresh paths.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SyncsTotal        *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	SyncEventsTotal   *prometheus.CounterVec
	LastFinalized     *prometheus.GaugeVec
	RefreshesTotal    *prometheus.CounterVec
	RefreshDuration   *prometheus.HistogramVec
	MissingEvents     *prometheus.CounterVec
	APRTriggerErrors  prometheus.Counter
	PositionsInFlight prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "syncs_total",
			Help:      "Ledger sync attempts by chain and outcome.",
		}, []string{"chain_id", "outcome"}),

		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "sync_duration_seconds",
			Help:      "Time spent rebuilding a position's ledger range.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain_id"}),

		SyncEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "sync_events_total",
			Help:      "Ledger events written or deleted by syncs.",
		}, []string{"chain_id", "kind"}),

		LastFinalized: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "last_finalized_block",
			Help:      "Finalized block used by the most recent sync per chain.",
		}, []string{"chain_id"}),

		RefreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "refreshes_total",
			Help:      "Position refreshes by the path taken and outcome.",
		}, []string{"path", "outcome"}),

		RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent refreshing one position.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		MissingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "missing_events_total",
			Help:      "Caller-reported events by action.",
		}, []string{"action"}),

		APRTriggerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "apr_trigger_errors_total",
			Help:      "Failed APR recomputation triggers.",
		}),

		PositionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "refresh_in_flight",
			Help:      "Positions currently being refreshed.",
		}),
	}
}

// Outcome classifies an error for the outcome label.
func Outcome(err error) string {
	var cfgErr *ledger.ConfigError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cfgErr):
		return "config"
	case ledger.IsInvariant(err):
		return "invariant"
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return "price"
	default:
		return "error"
	}
}

func (m *Metrics) ObserveSync(chainID uint64, finalized uint64, added, deleted int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	chain := strconv.FormatUint(chainID, 10)
	m.SyncsTotal.WithLabelValues(chain, Outcome(err)).Inc()
	m.SyncDuration.WithLabelValues(chain).Observe(elapsed.Seconds())
	if err != nil {
		return
	}
	m.SyncEventsTotal.WithLabelValues(chain, "added").Add(float64(added))
	m.SyncEventsTotal.WithLabelValues(chain, "deleted").Add(float64(deleted))
	m.LastFinalized.WithLabelValues(chain).Set(float64(finalized))
}

func (m *Metrics) ObserveRefresh(path string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(path, Outcome(err)).Inc()
	m.RefreshDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (m *Metrics) MissingEvent(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MissingEvents.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) APRTriggerFailed() {
	if m == nil {
		return
	}
	m.APRTriggerErrors.Inc()
}

// InFlight tracks a refresh; call the returned func when it ends.
func (m *Metrics) InFlight() func() {
	if m == nil {
		return func() {}
	}
	m.PositionsInFlight.Inc()
	return m.PositionsInFlight.Dec
}
