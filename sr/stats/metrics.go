package stats

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	Namespace = "SoftRAID"
)

var (
	Gather = prometheus.NewRegistry()

	VolumeRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "request_total",
			Help:      "Counter of volume requests by type and result.",
		}, []string{"volume", "type", "result"})

	VolumeRequestHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "request_seconds",
			Help:      "Bucketed histogram of volume request processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 24),
		}, []string{"volume", "type"})

	VolumeInFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "wu_in_flight",
			Help:      "Work units acquired and not yet released.",
		}, []string{"volume"})

	VolumeCollisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "collisions_total",
			Help:      "Work units deferred behind an overlapping work unit.",
		}, []string{"volume"})

	VolumeReadRestartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "read_restarts_total",
			Help:      "Reads reissued after every chunk I/O failed.",
		}, []string{"volume"})

	VolumeTransformErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "transform_errors_total",
			Help:      "Crypto transform failures.",
		}, []string{"volume"})

	VolumeStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "state",
			Help:      "Volume state code.",
		}, []string{"volume"})

	ChunkFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "io_failures_total",
			Help:      "Failed chunk I/Os.",
		}, []string{"volume", "chunk"})

	ChunkStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "state",
			Help:      "Chunk state code.",
		}, []string{"volume", "chunk"})

	MetadataSaveCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "metadata",
			Name:      "saves_total",
			Help:      "Metadata saves by result.",
		}, []string{"volume", "result"})

	MetadataSaveHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "metadata",
			Name:      "save_seconds",
			Help:      "Bucketed histogram of metadata save time, drain included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 24),
		}, []string{"volume"})
)

func init() {
	Gather.MustRegister(VolumeRequestCounter)
	Gather.MustRegister(VolumeRequestHistogram)
	Gather.MustRegister(VolumeInFlightGauge)
	Gather.MustRegister(VolumeCollisionCounter)
	Gather.MustRegister(VolumeReadRestartCounter)
	Gather.MustRegister(VolumeTransformErrorCounter)
	Gather.MustRegister(VolumeStateGauge)

	Gather.MustRegister(ChunkFailureCounter)
	Gather.MustRegister(ChunkStateGauge)

	Gather.MustRegister(MetadataSaveCounter)
	Gather.MustRegister(MetadataSaveHistogram)

	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}

	glog.V(0).Infof("%s sends metrics to %s every %d seconds", name, addr, intervalSeconds)

	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)

	for {
		err := pusher.Push()
		if err != nil && !strings.HasPrefix(err.Error(), "unexpected status code 200") {
			glog.V(0).Infof("could not push metrics to prometheus push gateway %s: %v", addr, err)
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 15
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

func StartMetricsServer(ip string, port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
	glog.Fatal(http.ListenAndServe(JoinHostPort(ip, port), mux))
}

func SourceName(port int) string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

// DeleteVolumeMetrics drops every series labelled with volume.
func DeleteVolumeMetrics(volume string) {
	labels := prometheus.Labels{"volume": volume}
	VolumeRequestCounter.DeletePartialMatch(labels)
	VolumeRequestHistogram.DeletePartialMatch(labels)
	VolumeInFlightGauge.DeletePartialMatch(labels)
	VolumeCollisionCounter.DeletePartialMatch(labels)
	VolumeReadRestartCounter.DeletePartialMatch(labels)
	VolumeTransformErrorCounter.DeletePartialMatch(labels)
	VolumeStateGauge.DeletePartialMatch(labels)
	ChunkFailureCounter.DeletePartialMatch(labels)
	ChunkStateGauge.DeletePartialMatch(labels)
	MetadataSaveCounter.DeletePartialMatch(labels)
	MetadataSaveHistogram.DeletePartialMatch(labels)
}
