// Package metrics экспортирует счётчики сервиса выдачи доступа в Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitlements"

// Metrics набор коллекторов сервиса. Нулевой указатель допустим и ничего не записывает.
type Metrics struct {
	decisions     *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
	published     *prometheus.CounterVec
	swept         *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
}

// New регистрирует коллекторы в reg. При nil используется DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Delivery decisions by kind and tier.",
		}, []string{"decision", "tier"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Ad callback redemption attempts by outcome.",
		}, []string{"outcome"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of quota and ledger store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed quota and ledger store operations.",
		}, []string{"operation"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_published_total",
			Help:      "Granted deliveries handed to the transport by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_swept_total",
			Help:      "Tokens expired or purged by the background sweep.",
		}, []string{"job"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dispatched_total",
			Help:      "Deliveries consumed from the queue and handed to the bot by result.",
		}, []string{"result"}),
	}

	m.decisions = register(reg, m.decisions)
	m.redemptions = register(reg, m.redemptions)
	m.storeDuration = register(reg, m.storeDuration)
	m.storeErrors = register(reg, m.storeErrors)
	m.published = register(reg, m.published)
	m.swept = register(reg, m.swept)
	m.dispatched = register(reg, m.dispatched)
	if m.decisions == nil || m.redemptions == nil || m.storeDuration == nil ||
		m.storeErrors == nil || m.published == nil || m.swept == nil || m.dispatched == nil {
		return nil, errors.New("metrics.New: failed to register collectors")
	}
	return m, nil
}

// register возвращает уже зарегистрированный коллектор с тем же описанием,
// если он есть, и nil при любой другой ошибке регистрации.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	var zero C
	return zero
}

// Decision учитывает решение по запросу доставки.
func (m *Metrics) Decision(decision, tier string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, tier).Inc()
}

// Redemption учитывает исход обработки колбэка.
func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// StoreCall учитывает длительность и ошибку обращения к хранилищу.
func (m *Metrics) StoreCall(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(operation).Inc()
	}
}

// Published учитывает передачу доставки транспорту.
func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

// Swept учитывает токены, обработанные фоновой очисткой.
func (m *Metrics) Swept(job string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(job).Add(float64(n))
}

// Dispatched учитывает передачу доставки из очереди боту.
func (m *Metrics) Dispatched(result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(result).Inc()
}
