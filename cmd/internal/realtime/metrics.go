package realtime

import "github.com/prometheus/client_golang/prometheus"

// Delivery results recorded by Metrics.
const (
	deliveryOK      = "ok"
	deliveryDropped = "dropped"
	deliveryOffline = "offline"
)

// Metrics holds the relay's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connected  prometheus.Gauge
	events     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	errors     *prometheus.CounterVec
	messages   prometheus.Counter
	marked     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmrelay",
			Name:      "connected_users",
			Help:      "Users with a registered live connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "inbound_events_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by event type and result.",
		}, []string{"type", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "errors_total",
			Help:      "Error envelopes sent to clients by code.",
		}, []string{"code"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "messages_persisted_total",
			Help:      "Messages persisted by the relay.",
		}),
		marked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "messages_marked_read_total",
			Help:      "Messages flipped from unread to read.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.connected, m.events, m.deliveries, m.errors, m.messages, m.marked} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

func (m *Metrics) event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) delivery(typ, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) errorSent(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) persisted() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) markedRead(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.marked.Add(float64(n))
}
