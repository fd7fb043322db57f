package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a point-in-time view of the store's connection pool. Both
// pgxpool and database/sql pools are mapped onto it.
type PoolStats struct {
	Open  int
	Idle  int
	InUse int
	// Waits counts acquisitions that had to wait for a free connection.
	Waits int64
}

// poolCollector reads PoolStats on every scrape and labels the gauges with
// the store driver.
type poolCollector struct {
	stats func() PoolStats

	open  *prometheus.Desc
	idle  *prometheus.Desc
	inUse *prometheus.Desc
	waits *prometheus.Desc
}

func newPoolCollector(driver string, stats func() PoolStats) *poolCollector {
	labels := prometheus.Labels{"driver": driver}
	return &poolCollector{
		stats: stats,
		open: prometheus.NewDesc("mailgate_db_pool_total_conns",
			"Open connections held by the store pool.", nil, labels),
		idle: prometheus.NewDesc("mailgate_db_pool_idle_conns",
			"Idle connections in the store pool.", nil, labels),
		inUse: prometheus.NewDesc("mailgate_db_pool_acquired_conns",
			"Connections currently serving store queries.", nil, labels),
		waits: prometheus.NewDesc("mailgate_db_pool_waits_total",
			"Store queries that waited for a free connection.", nil, labels),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waits
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.Open))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.Waits))
}
