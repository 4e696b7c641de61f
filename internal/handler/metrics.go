package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_ws_connections",
		Help: "Open websocket feed connections.",
	})
	wsMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_ws_messages_sent_total",
		Help: "Messages pushed to websocket clients by type.",
	}, []string{"type"})
	wsMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_ws_messages_dropped_total",
		Help: "Messages dropped because a client's send queue was full.",
	})
)
