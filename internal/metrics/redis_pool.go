package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisPoolCollector exports go-redis connection pool statistics on scrape
type RedisPoolCollector struct {
	stats func() *redis.PoolStats

	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
	staleConns *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
}

func NewRedisPoolCollector(stats func() *redis.PoolStats) *RedisPoolCollector {
	return &RedisPoolCollector{
		stats:      stats,
		totalConns: prometheus.NewDesc("redis_pool_total_conns", "Connections currently in the Redis pool.", nil, nil),
		idleConns:  prometheus.NewDesc("redis_pool_idle_conns", "Idle connections in the Redis pool.", nil, nil),
		staleConns: prometheus.NewDesc("redis_pool_stale_conns", "Stale connections removed from the Redis pool.", nil, nil),
		hits:       prometheus.NewDesc("redis_pool_hits_total", "Times a free connection was found in the pool.", nil, nil),
		misses:     prometheus.NewDesc("redis_pool_misses_total", "Times a free connection was not found in the pool.", nil, nil),
		timeouts:   prometheus.NewDesc("redis_pool_timeouts_total", "Times a wait for a pooled connection timed out.", nil, nil),
	}
}

func (c *RedisPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.staleConns
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
}

func (c *RedisPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	if s == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.staleConns, prometheus.GaugeValue, float64(s.StaleConns))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts))
}
