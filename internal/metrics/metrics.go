package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels of DeviceBytesTransferred
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Result labels of PipelineVerifications
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Pipeline Metrics
	PipelineWallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_wall_duration_ms",
		Help:    "Host wall-clock time from upload to completed download in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10us to ~5s
	})

	PipelineKernelDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_kernel_duration_ms",
		Help:    "Device execution time of the lookup kernel in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20),
	})

	PipelineVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_verifications_total",
		Help: "Total number of verified pipeline runs by result",
	}, []string{"result"})

	// Device Metrics
	DeviceBytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_bytes_transferred_total",
		Help: "Bytes moved between host and device by direction",
	}, []string{"direction"})

	DeviceBuffersAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_buffers_allocated",
		Help: "Device buffers currently allocated",
	})
)

// Handler serves the default registry, counting its own responses.
func Handler() http.Handler {
	return Middleware(promhttp.Handler(), "/metrics")
}
