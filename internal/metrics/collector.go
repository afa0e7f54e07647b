// Package metrics exposes bridge, unit and zone state as Prometheus
// metrics. Scrapes read the last polled snapshot and never touch the
// cloud.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robol/tecnosystemi/internal/coordinator"
)

// Collector implements prometheus.Collector over the coordinator's state.
type Collector struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger

	zoneTemp     *prometheus.GaugeVec
	zoneSetpoint *prometheus.GaugeVec
	zoneHumidity *prometheus.GaugeVec
	zoneShutter  *prometheus.GaugeVec
	zonePower    *prometheus.GaugeVec

	unitDuctTemp *prometheus.GaugeVec
	unitPower    *prometheus.GaugeVec
	unitErrors   *prometheus.GaugeVec

	online      prometheus.Gauge
	lastPoll    prometheus.Gauge
	lastSuccess prometheus.Gauge
	pollErrors  prometheus.Gauge

	apiRequests *prometheus.Desc
	apiErrors   *prometheus.Desc
}

// NewCollector creates a collector bound to the coordinator.
func NewCollector(coord *coordinator.Coordinator, logger *slog.Logger) *Collector {
	zoneLabels := []string{"zone", "zone_name", "serial"}
	unitLabels := []string{"serial", "unit_name"}
	return &Collector{
		coord:  coord,
		logger: logger.With("component", "metrics"),
		zoneTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_zone_temperature_celsius",
			Help: "Current temperature per zone",
		}, zoneLabels),
		zoneSetpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_zone_setpoint_celsius",
			Help: "Target temperature per zone",
		}, zoneLabels),
		zoneHumidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_zone_humidity_percent",
			Help: "Current humidity per zone",
		}, zoneLabels),
		zoneShutter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_zone_shutter_percent",
			Help: "Damper opening per zone",
		}, zoneLabels),
		zonePower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_zone_power_bool",
			Help: "Zone power state (1=on, 0=off)",
		}, zoneLabels),
		unitDuctTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_unit_duct_temperature_celsius",
			Help: "Duct temperature per control unit",
		}, unitLabels),
		unitPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_unit_power_bool",
			Help: "Control unit power state (1=on, 0=off)",
		}, unitLabels),
		unitErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proair_unit_errors",
			Help: "Active error count per control unit",
		}, unitLabels),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proair_bridge_online",
			Help: "Cloud connectivity (1=online, 0=offline)",
		}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proair_last_poll_timestamp_seconds",
			Help: "Last poll attempt timestamp (epoch seconds)",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proair_last_success_timestamp_seconds",
			Help: "Last successful poll timestamp (epoch seconds)",
		}),
		pollErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proair_consecutive_poll_errors",
			Help: "Consecutive failed poll sweeps",
		}),
		apiRequests: prometheus.NewDesc(
			"proair_api_requests_total",
			"Cloud HTTP requests made since start", nil, nil),
		apiErrors: prometheus.NewDesc(
			"proair_api_errors_total",
			"Cloud HTTP requests that failed since start", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.zoneTemp.Describe(ch)
	c.zoneSetpoint.Describe(ch)
	c.zoneHumidity.Describe(ch)
	c.zoneShutter.Describe(ch)
	c.zonePower.Describe(ch)
	c.unitDuctTemp.Describe(ch)
	c.unitPower.Describe(ch)
	c.unitErrors.Describe(ch)
	c.online.Describe(ch)
	c.lastPoll.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.pollErrors.Describe(ch)
	ch <- c.apiRequests
	ch <- c.apiErrors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.coord.Status()
	c.online.Set(boolToFloat(status.Online))
	if !status.LastPoll.IsZero() {
		c.lastPoll.Set(float64(status.LastPoll.Unix()))
	}
	if !status.LastSuccess.IsZero() {
		c.lastSuccess.Set(float64(status.LastSuccess.Unix()))
	}
	c.pollErrors.Set(float64(status.PollErrors))

	c.zoneTemp.Reset()
	c.zoneSetpoint.Reset()
	c.zoneHumidity.Reset()
	c.zoneShutter.Reset()
	c.zonePower.Reset()
	c.unitDuctTemp.Reset()
	c.unitPower.Reset()
	c.unitErrors.Reset()

	zones, err := c.coord.Store().ListZones()
	if err != nil {
		c.logger.Warn("list zones for scrape", "err", err)
	}
	for _, z := range zones {
		labels := prometheus.Labels{
			"zone":      z.Key,
			"zone_name": z.DisplayName(),
			"serial":    z.Serial,
		}
		c.zoneTemp.With(labels).Set(z.Temperature)
		c.zoneSetpoint.With(labels).Set(z.SetTemp)
		c.zoneHumidity.With(labels).Set(z.Humidity)
		c.zoneShutter.With(labels).Set(z.Shutter)
		c.zonePower.With(labels).Set(boolToFloat(!z.IsOff))
	}

	controllers, err := c.coord.Store().ListControllers()
	if err != nil {
		c.logger.Warn("list controllers for scrape", "err", err)
	}
	for _, ctl := range controllers {
		labels := prometheus.Labels{
			"serial":    ctl.Serial,
			"unit_name": ctl.Name,
		}
		c.unitDuctTemp.With(labels).Set(ctl.DuctTemp)
		c.unitPower.With(labels).Set(boolToFloat(!ctl.IsOff))
		c.unitErrors.With(labels).Set(float64(ctl.NumErrors))
	}

	c.zoneTemp.Collect(ch)
	c.zoneSetpoint.Collect(ch)
	c.zoneHumidity.Collect(ch)
	c.zoneShutter.Collect(ch)
	c.zonePower.Collect(ch)
	c.unitDuctTemp.Collect(ch)
	c.unitPower.Collect(ch)
	c.unitErrors.Collect(ch)
	c.online.Collect(ch)
	c.lastPoll.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.pollErrors.Collect(ch)
	ch <- prometheus.MustNewConstMetric(c.apiRequests, prometheus.CounterValue, float64(status.APIRequests))
	ch <- prometheus.MustNewConstMetric(c.apiErrors, prometheus.CounterValue, float64(status.APIErrors))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
