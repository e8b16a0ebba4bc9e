package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	operations      *prometheus.CounterVec
	failures        *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	settlementTime  prometheus.Histogram
	transferRetries prometheus.Counter
	escrowsInFlight prometheus.Gauge
	haltedEscrows   prometheus.Counter
	logicVersion    prometheus.Gauge
	offersExpired   prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised marketplace metrics registered with the
// default Prometheus registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Count of successful marketplace operations by name.",
			}, []string{"op"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "failures_total",
				Help:      "Count of failed marketplace operations by name and failure code.",
			}, []string{"op", "code"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "settlements_total",
				Help:      "Completed settlements segmented by how they completed.",
			}, []string{"path"}),
			settlementTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "settlement_seconds",
				Help:      "Wall time of accept-offer settlements.",
				Buckets:   prometheus.DefBuckets,
			}),
			transferRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "asset_transfer_retries_total",
				Help:      "Asset transfer attempts retried after payment was committed.",
			}),
			escrowsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "escrows_in_flight",
				Help:      "Escrow records currently open.",
			}),
			haltedEscrows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "escrows_halted_total",
				Help:      "Escrow records halted after an invariant violation.",
			}),
			logicVersion: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "logic_version",
				Help:      "Running marketplace logic version.",
			}),
			offersExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rlf",
				Subsystem: "market",
				Name:      "offers_expired_total",
				Help:      "Offers moved to the expired state.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.failures,
			marketRegistry.settlements,
			marketRegistry.settlementTime,
			marketRegistry.transferRetries,
			marketRegistry.escrowsInFlight,
			marketRegistry.haltedEscrows,
			marketRegistry.logicVersion,
			marketRegistry.offersExpired,
		)
	})
	return marketRegistry
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *MarketMetrics) ObserveOperation(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *MarketMetrics) ObserveFailure(op, code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(op), normalizeLabel(code)).Inc()
}

// ObserveSettlement records a completed trade. path is "direct" for
// settlements finished inside AcceptOffer and "recovered" otherwise.
func (m *MarketMetrics) ObserveSettlement(path string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(path)).Inc()
	if elapsed > 0 {
		m.settlementTime.Observe(elapsed.Seconds())
	}
}

func (m *MarketMetrics) IncTransferRetry() {
	if m == nil {
		return
	}
	m.transferRetries.Inc()
}

func (m *MarketMetrics) IncEscrowHalted() {
	if m == nil {
		return
	}
	m.haltedEscrows.Inc()
}

func (m *MarketMetrics) SetEscrowsInFlight(n int) {
	if m == nil {
		return
	}
	m.escrowsInFlight.Set(float64(n))
}

func (m *MarketMetrics) SetLogicVersion(version uint32) {
	if m == nil {
		return
	}
	m.logicVersion.Set(float64(version))
}

func (m *MarketMetrics) AddOffersExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.offersExpired.Add(float64(n))
}
