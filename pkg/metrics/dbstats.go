package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// dbStatsCollector exposes connection pool statistics of the usage ledger.
// It reads sql.DBStats on every scrape instead of sampling.
type dbStatsCollector struct {
	stats func() sql.DBStats

	openConnections *prometheus.Desc
	inUse           *prometheus.Desc
	idle            *prometheus.Desc
	waitSeconds     *prometheus.Desc
	waitCount       *prometheus.Desc
}

// RegisterDBStats registers a collector reading pool statistics through
// stats. No-op when metrics are disabled.
func RegisterDBStats(stats func() sql.DBStats) {
	reg := GetRegistry()
	if reg == nil {
		return
	}
	reg.MustRegister(&dbStatsCollector{
		stats: stats,
		openConnections: prometheus.NewDesc(
			"block_database_open_connections",
			"Number of established database connections", nil, nil),
		inUse: prometheus.NewDesc(
			"block_database_connections_in_use",
			"Number of database connections currently in use", nil, nil),
		idle: prometheus.NewDesc(
			"block_database_connections_idle",
			"Number of idle database connections", nil, nil),
		waitSeconds: prometheus.NewDesc(
			"block_wait_database_connections",
			"Seconds waited for getting a connection", nil, nil),
		waitCount: prometheus.NewDesc(
			"block_database_wait_count",
			"Number of times a connection had to be waited for", nil, nil),
	})
}

func (c *dbStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConnections
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waitSeconds
	ch <- c.waitCount
}

func (c *dbStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.openConnections, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, s.WaitDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(s.WaitCount))
}
