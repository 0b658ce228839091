package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
)

const DefaultNamespace = "transfile"

// Prometheus exposes:
//
//	transfile_connection_attempts_total{result="success|failure"}
//	transfile_connections_closed_total
//	transfile_messages_sent_total{type="<message>"}
//	transfile_messages_received_total{type="<message>"}
//	transfile_payload_bytes_sent_total
//	transfile_payload_bytes_received_total
//	transfile_operation_transitions_total{direction="send|receive",state="<state>"}
//	transfile_operations_live
type Prometheus struct {
	connectionAttempts *prometheus.CounterVec
	connectionsClosed  prometheus.Counter
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	bytesSent          prometheus.Counter
	bytesReceived      prometheus.Counter
	transitions        *prometheus.CounterVec
	live               prometheus.Gauge
}

var _ Recorder = (*Prometheus)(nil)

func NewPrometheus(namespace string) *Prometheus {
	return NewPrometheusWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewPrometheusWithRegisterer registers every collector with registerer. A nil
// registerer leaves them unregistered.
func NewPrometheusWithRegisterer(namespace string, registerer prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Prometheus{
		connectionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_attempts_total",
				Help:      "Total number of connection attempts by result",
			},
			[]string{"result"},
		),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of established connections that were closed",
		}),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent by type",
			},
			[]string{"type"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received by type",
			},
			[]string{"type"},
		),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Total file bytes sent in data offers",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_received_total",
			Help:      "Total file bytes received in data offers",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_transitions_total",
				Help:      "Total number of operation state transitions",
			},
			[]string{"direction", "state"},
		),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_live",
			Help:      "Number of operations not yet removed",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.connectionAttempts,
			m.connectionsClosed,
			m.messagesSent,
			m.messagesReceived,
			m.bytesSent,
			m.bytesReceived,
			m.transitions,
			m.live,
		)
	}

	return m
}

func (m *Prometheus) ConnectionAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.connectionAttempts.WithLabelValues(result).Inc()
}

func (m *Prometheus) ConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *Prometheus) MessageSent(t protocol.MessageType, payloadBytes int) {
	m.messagesSent.WithLabelValues(t.String()).Inc()
	if payloadBytes > 0 {
		m.bytesSent.Add(float64(payloadBytes))
	}
}

func (m *Prometheus) MessageReceived(t protocol.MessageType, payloadBytes int) {
	m.messagesReceived.WithLabelValues(t.String()).Inc()
	if payloadBytes > 0 {
		m.bytesReceived.Add(float64(payloadBytes))
	}
}

func (m *Prometheus) OperationState(direction string, state protocol.State) {
	m.transitions.WithLabelValues(direction, state.String()).Inc()
}

func (m *Prometheus) OperationsLive(delta int) {
	m.live.Add(float64(delta))
}
