// Package metrics implements the gateway's observer on Prometheus.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer counts gateway activity. It satisfies chat.Observer; every
// method is safe for concurrent use and never blocks.
type Observer struct {
	connsOpen       prometheus.Gauge
	connsTotal      prometheus.Counter
	authsTotal      prometheus.Counter
	framesTotal     *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	recipientsTotal *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	sendFailures    prometheus.Counter
}

func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Observer{
		connsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "foxchat_connections_open",
			Help: "Currently open WebSocket connections.",
		}),
		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "foxchat_connections_total",
			Help: "Connections accepted since start.",
		}),
		authsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "foxchat_authentications_total",
			Help: "Successful authentications.",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foxchat_client_frames_total",
			Help: "Inbound client frames by type.",
		}, []string{"type"}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foxchat_events_delivered_total",
			Help: "Bus events that reached the delivery stage, by type.",
		}, []string{"type"}),
		recipientsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foxchat_event_recipients_total",
			Help: "Frames fanned out to clients, by event type.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foxchat_events_dropped_total",
			Help: "Bus events rejected by validation, by type.",
		}, []string{"type"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "foxchat_send_failures_total",
			Help: "Failed sends that caused a connection prune.",
		}),
	}
}

func (o *Observer) ConnOpened() {
	o.connsOpen.Inc()
	o.connsTotal.Inc()
}

func (o *Observer) ConnClosed() {
	o.connsOpen.Dec()
}

func (o *Observer) ConnAuthenticated(int64) {
	o.authsTotal.Inc()
}

func (o *Observer) FrameReceived(frameType string) {
	o.framesTotal.WithLabelValues(frameType).Inc()
}

func (o *Observer) EventDelivered(eventType string, recipients int) {
	o.eventsDelivered.WithLabelValues(eventType).Inc()
	o.recipientsTotal.WithLabelValues(eventType).Add(float64(recipients))
}

func (o *Observer) EventDropped(eventType string, _ string) {
	o.eventsDropped.WithLabelValues(eventType).Inc()
}

func (o *Observer) SendFailed() {
	o.sendFailures.Inc()
}

// Handler exposes the default registry at /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
