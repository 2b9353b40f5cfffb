package controller

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tfstun/utils"
)

var (
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_frames_sent_total",
		Help: "Outer frames emitted, including empty pad frames.",
	})
	framesEmpty = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_frames_empty_total",
		Help: "Outer frames emitted with no inner-packet data.",
	})
	innerRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_inner_packets_read_total",
		Help: "Inner packets read from the virtual interface.",
	})
	innerDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_inner_packets_delivered_total",
		Help: "Reassembled inner packets written to the virtual interface.",
	})
	recvDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfstun_recv_drops_total",
		Help: "Received outer frames dropped, by cause.",
	}, []string{"cause"})
	acksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_acks_sent_total",
		Help: "ACK frames emitted.",
	})
	acksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tfstun_acks_received_total",
		Help: "Valid ACK frames consumed.",
	})
	currentPps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tfstun_send_pps",
		Help: "Current paced send rate in frames per second.",
	})
)

func init() {
	prometheus.MustRegister(framesSent, framesEmpty, innerRead, innerDelivered,
		recvDrops, acksSent, acksReceived, currentPps)
}

// ServeMetrics exposes the prometheus endpoint when addr is non-empty.
func ServeMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		utils.Logger.Info("metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
			utils.Logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
}
