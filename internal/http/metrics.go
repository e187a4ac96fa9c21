package http

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/tools"
)

// Metrics records gateway activity on its own registry. It is both a
// tools.Observer and a channels.Observer.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	deliveryFailures *prometheus.CounterVec
	channelState     *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
}

var allStates = []channels.State{
	channels.StateDisconnected,
	channels.StateConnecting,
	channels.StateConnected,
	channels.StateReconnecting,
	channels.StateDisabled,
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nanobot_tool_calls_total",
			Help: "Tool calls by tool, verdict (allowed|denied|error) and category.",
		}, []string{"tool", "verdict", "category"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nanobot_tool_duration_seconds",
			Help:    "Tool call duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nanobot_delivery_failures_total",
			Help: "Outbound messages that could not be delivered, by channel and reason.",
		}, []string{"channel", "reason"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nanobot_channel_state",
			Help: "1 for the current state of each channel link, 0 otherwise.",
		}, []string{"channel", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nanobot_channel_transitions_total",
			Help: "Channel link state transitions by target state.",
		}, []string{"channel", "to"}),
	}
	m.registry.MustRegister(
		m.toolCalls,
		m.toolDuration,
		m.deliveryFailures,
		m.channelState,
		m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ToolCalled(name string, res *tools.Result, elapsed time.Duration) {
	verdict := "allowed"
	switch {
	case res.Denied:
		verdict = "denied"
	case res.IsError:
		verdict = "error"
	}
	m.toolCalls.WithLabelValues(name, verdict, res.Category).Inc()
	m.toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) LinkStateChanged(channel string, from, to channels.State) {
	for _, s := range allStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.channelState.WithLabelValues(channel, strings.ToLower(s.String())).Set(v)
	}
	m.transitions.WithLabelValues(channel, strings.ToLower(to.String())).Inc()
}

func (m *Metrics) DeliveryFailed(f *channels.DeliveryFailed) {
	m.deliveryFailures.WithLabelValues(f.Channel, f.Reason).Inc()
}

var (
	_ tools.Observer    = (*Metrics)(nil)
	_ channels.Observer = (*Metrics)(nil)
)
