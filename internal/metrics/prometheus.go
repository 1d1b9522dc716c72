package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relaychat"

type descriptors struct {
	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	activeClients    *prometheus.Desc
	activeWorkers    *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheEntries     *prometheus.Desc
	cacheCapacity    *prometheus.Desc
	pageFaults       *prometheus.Desc
}

func newDescriptors() descriptors {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return descriptors{
		messagesSent:     desc("messages_sent_total", "Messages queued for delivery to peers."),
		messagesReceived: desc("messages_received_total", "Records received from clients."),
		activeClients:    desc("active_clients", "Registered client connections."),
		activeWorkers:    desc("active_workers", "Workers currently running a connection task."),
		cacheHits:        desc("cache_hits_total", "Message cache lookups that found an entry."),
		cacheMisses:      desc("cache_misses_total", "Message cache lookups that found nothing."),
		cacheEvictions:   desc("cache_evictions_total", "Entries evicted from the message cache."),
		cacheEntries:     desc("cache_entries", "Entries held by the message cache."),
		cacheCapacity:    desc("cache_capacity", "Configured message cache capacity."),
		pageFaults:       desc("process_page_faults_total", "Process page faults.", "type"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	d := c.promDesc
	for _, desc := range []*prometheus.Desc{
		d.messagesSent, d.messagesReceived, d.activeClients, d.activeWorkers,
		d.cacheHits, d.cacheMisses, d.cacheEvictions, d.cacheEntries,
		d.cacheCapacity, d.pageFaults,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector from a fresh snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	d := c.promDesc

	ch <- prometheus.MustNewConstMetric(d.messagesSent, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(d.messagesReceived, prometheus.CounterValue, float64(s.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(d.activeClients, prometheus.GaugeValue, float64(s.ActiveClients))
	ch <- prometheus.MustNewConstMetric(d.activeWorkers, prometheus.GaugeValue, float64(s.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(d.cacheHits, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(d.cacheMisses, prometheus.CounterValue, float64(s.CacheMisses))
	ch <- prometheus.MustNewConstMetric(d.cacheEvictions, prometheus.CounterValue, float64(s.CacheEvictions))
	ch <- prometheus.MustNewConstMetric(d.cacheEntries, prometheus.GaugeValue, float64(s.CacheSize))
	ch <- prometheus.MustNewConstMetric(d.cacheCapacity, prometheus.GaugeValue, float64(s.CacheCapacity))
	ch <- prometheus.MustNewConstMetric(d.pageFaults, prometheus.CounterValue, float64(s.PageFaults.Minor), "minor")
	ch <- prometheus.MustNewConstMetric(d.pageFaults, prometheus.CounterValue, float64(s.PageFaults.Major), "major")
}
