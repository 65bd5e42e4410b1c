// Package metrics exposes the daemon's state as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/events"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	refreshSub    *eventbus.Subscriber[events.RefreshEvent]
	submissionSub *eventbus.Subscriber[events.SubmissionEvent]
	statusSub     *eventbus.Subscriber[events.ConnectionStatusEvent]

	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastSuccess     prometheus.Gauge
	state           *prometheus.GaugeVec
	readingValue    *prometheus.GaugeVec
	rateValue       *prometheus.GaugeVec
	submissionTotal *prometheus.CounterVec
	componentStatus *prometheus.GaugeVec

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, bus *eventbus.Bus, reg prometheus.Registerer) (*Collector, error) {
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client := bus.Client(events.ClientMetrics)
	factory := promauto.With(reg)
	collectorCtx, cancel := context.WithCancel(ctx)

	c := &Collector{
		refreshSub:    eventbus.Subscribe[events.RefreshEvent](client),
		submissionSub: eventbus.Subscribe[events.SubmissionEvent](client),
		statusSub:     eventbus.Subscribe[events.ConnectionStatusEvent](client),

		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pescbridge_refresh_total",
			Help: "Refresh attempts by resulting state",
		}, []string{"state"}),
		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pescbridge_refresh_duration_seconds",
			Help:    "Duration of refreshes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pescbridge_last_success_timestamp_seconds",
			Help: "Unix time of the last successful refresh",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pescbridge_state",
			Help: "Coordinator state (1 when matching state, 0 otherwise)",
		}, []string{"state"}),
		readingValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pescbridge_reading_value",
			Help: "Last known meter reading",
		}, []string{"reading_id", "account_id", "name", "unit"}),
		rateValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pescbridge_tariff_rate",
			Help: "Tariff rate applying to a meter scale",
		}, []string{"reading_id", "unit"}),
		submissionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pescbridge_submission_total",
			Help: "Manual reading submissions by source and result code",
		}, []string{"source", "code"}),
		componentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pescbridge_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),

		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(3)
	go consume(c, c.refreshSub.Events(), c.observeRefresh)
	go consume(c, c.submissionSub.Events(), c.observeSubmission)
	go consume(c, c.statusSub.Events(), c.observeStatus)

	log.Ctx(ctx).InfoContext(ctx, "metrics collector started")
	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.refreshSub.Close()
		c.submissionSub.Close()
		c.statusSub.Close()
		c.workers.Wait()
	})
}

func consume[T any](c *Collector, ch <-chan T, fn func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-ch:
			fn(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeRefresh(evt events.RefreshEvent) {
	c.refreshTotal.WithLabelValues(evt.State).Inc()
	c.refreshDuration.Observe(evt.Duration.Seconds())
	for _, s := range coordinator.States {
		value := 0.0
		if string(s) == evt.State {
			value = 1.0
		}
		c.state.WithLabelValues(string(s)).Set(value)
	}
	if evt.State == string(coordinator.StateOK) {
		c.lastSuccess.Set(float64(evt.Timestamp.Unix()))
	}
	if len(evt.Sensors) == 0 {
		return
	}

	c.readingValue.Reset()
	c.rateValue.Reset()
	for _, s := range evt.Sensors {
		v, ok := s.State.(float64)
		if !ok {
			continue
		}
		switch s.Kind {
		case sensor.KindMeter:
			accountID, _ := s.Attributes["account_id"].(string)
			c.readingValue.WithLabelValues(s.ReadingID, accountID, s.Name, s.Unit).Set(v)
		case sensor.KindRate:
			c.rateValue.WithLabelValues(s.ReadingID, s.Unit).Set(v)
		}
	}
}

func (c *Collector) observeSubmission(evt events.SubmissionEvent) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	code := strconv.Itoa(evt.Code)
	if evt.Error != "" {
		code = "error"
	}
	c.submissionTotal.WithLabelValues(source, code).Inc()
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range events.AllConnectionStatuses {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.componentStatus.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}
