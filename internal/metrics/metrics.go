// Package metrics exposes the server's Prometheus surface: gauges over
// the SIP core's live state (bridges, bindings, bans, queue depths) and the
// WebRTC relay's mailbox depth, gathered through small provider interfaces
// at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BridgeProvider exposes the number of currently bridged calls.
type BridgeProvider interface {
	BridgeCount() int
}

// BindingCounter returns the number of active registrar bindings.
type BindingCounter interface {
	CountActive(ctx context.Context, now int64) (int64, error)
}

// BanProvider exposes the size of the abuse filter's ban table.
type BanProvider interface {
	BannedCount() int
}

// QueueDepthProvider exposes the backlog of each SIP core's work queue.
type QueueDepthProvider interface {
	QueueDepths() (register, invite, subscribe int)
}

// MailboxProvider exposes the WebRTC relay's pending-message count.
type MailboxProvider interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers signalrtc metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	bridges  BridgeProvider
	bindings BindingCounter
	bans     BanProvider
	queues   QueueDepthProvider
	mailbox  MailboxProvider

	startTime time.Time

	activeBridgesDesc  *prometheus.Desc
	activeBindingsDesc *prometheus.Desc
	bannedSourcesDesc  *prometheus.Desc
	queueDepthDesc     *prometheus.Desc
	mailboxDepthDesc   *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	bridges BridgeProvider,
	bindings BindingCounter,
	bans BanProvider,
	queues QueueDepthProvider,
	mailbox MailboxProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		bridges:   bridges,
		bindings:  bindings,
		bans:      bans,
		queues:    queues,
		mailbox:   mailbox,
		startTime: startTime,

		activeBridgesDesc: prometheus.NewDesc(
			"signalrtc_active_bridges",
			"Number of currently bridged B2BUA calls",
			nil, nil,
		),
		activeBindingsDesc: prometheus.NewDesc(
			"signalrtc_active_bindings",
			"Number of unexpired registrar bindings",
			nil, nil,
		),
		bannedSourcesDesc: prometheus.NewDesc(
			"signalrtc_banned_sources",
			"Number of source IPs currently serving out an abuse filter ban",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"signalrtc_queue_depth",
			"Number of jobs waiting in a core's work queue",
			[]string{"core"}, nil,
		),
		mailboxDepthDesc: prometheus.NewDesc(
			"signalrtc_webrtc_mailbox_pending",
			"Number of undelivered WebRTC signal relay messages",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"signalrtc_uptime_seconds",
			"Seconds since the signalrtc process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeBridgesDesc
	ch <- c.activeBindingsDesc
	ch <- c.bannedSourcesDesc
	ch <- c.queueDepthDesc
	ch <- c.mailboxDepthDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.bridges != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeBridgesDesc, prometheus.GaugeValue,
			float64(c.bridges.BridgeCount()),
		)
	}

	if c.bindings != nil {
		count, err := c.bindings.CountActive(ctx, time.Now().Unix())
		if err != nil {
			slog.Error("metrics: failed to count active bindings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.activeBindingsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.bans != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bannedSourcesDesc, prometheus.GaugeValue,
			float64(c.bans.BannedCount()),
		)
	}

	if c.queues != nil {
		register, invite, subscribe := c.queues.QueueDepths()
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(register), "register")
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(invite), "invite")
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(subscribe), "subscribe")
	}

	if c.mailbox != nil {
		count, err := c.mailbox.PendingCount(ctx)
		if err != nil {
			slog.Error("metrics: failed to count pending webrtc signals", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.mailboxDepthDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
