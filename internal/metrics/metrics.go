// Package metrics exposes the Prometheus counters the daemon keeps for its
// virtio-blk request traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the counters tracked across every vring. It is safe for
// concurrent use, though the daemon's single-threaded event loop only ever
// touches it from one goroutine at a time.
type Collector struct {
	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

// NewCollector registers the device's counters into reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vblkd",
			Name:      "requests_total",
			Help:      "virtio-blk requests completed, by request type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vblkd",
			Name:      "request_errors_total",
			Help:      "virtio-blk requests completed with a non-OK status, by request type.",
		}, []string{"type"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vblkd",
			Name:      "bytes_read_total",
			Help:      "Bytes read from the backing store.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vblkd",
			Name:      "bytes_written_total",
			Help:      "Bytes written to the backing store.",
		}),
	}
	reg.MustRegister(c.requests, c.errors, c.bytesRead, c.bytesWritten)
	return c
}

// ObserveRequest counts one completed request of the given type.
func (c *Collector) ObserveRequest(reqType string) {
	c.requests.WithLabelValues(reqType).Inc()
}

// ObserveError counts one request of the given type that completed with a
// non-OK status.
func (c *Collector) ObserveError(reqType string) {
	c.errors.WithLabelValues(reqType).Inc()
}

// AddBytesRead accumulates n bytes served by read requests.
func (c *Collector) AddBytesRead(n int) {
	c.bytesRead.Add(float64(n))
}

// AddBytesWritten accumulates n bytes served by write requests.
func (c *Collector) AddBytesWritten(n int) {
	c.bytesWritten.Add(float64(n))
}

// Handler returns the HTTP handler serving reg's metrics in the Prometheus
// exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
