// Package metrics exposes cachegrand-go's process-wide Prometheus surface:
// one gauge/counter per named metric, labeled by worker (plus any
// operator-supplied environment labels), with a literal {worker="aggregated"}
// series maintained alongside the per-worker ones.
//
// Grounded on the metricsSink abstraction's shape (a thin, optional wrapper
// so the hot path never pays for a metric update when no registry is
// configured), generalized from shard-labeled cache counters to
// worker-labeled server counters, and on examples/basic/main.go's
// promhttp.HandlerFor wiring for the HTTP endpoint.
//
// © 2025 cachegrand-go authors. MIT License.
package metrics

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const aggregatedWorker = "aggregated"

const envLabelPrefix = "CACHEGRAND_METRIC_ENV_"

// Registry owns every cachegrand_* collector and the bookkeeping needed to
// keep a literal {worker="aggregated"} series in sync with the per-worker
// ones. The zero value is not usable; construct with New.
type Registry struct {
	reg        *prometheus.Registry
	envLabels  map[string]string
	labelNames []string

	mu      sync.Mutex
	perWork map[string]*workerSnapshot

	uptime       *prometheus.GaugeVec
	dbKeysCount  *prometheus.GaugeVec
	dbSize       *prometheus.GaugeVec
	netRecvPkts  *prometheus.GaugeVec
	netRecvData  *prometheus.GaugeVec
	netSentPkts  *prometheus.GaugeVec
	netSentData  *prometheus.GaugeVec
	netAccepted  *prometheus.GaugeVec
	netActive    *prometheus.GaugeVec
	netAcceptedTLS *prometheus.GaugeVec
	netActiveTLS   *prometheus.GaugeVec
	storageWrittenData *prometheus.GaugeVec
	storageWriteIOPS   *prometheus.GaugeVec
	storageReadData    *prometheus.GaugeVec
	storageReadIOPS    *prometheus.GaugeVec
	storageOpenFiles   *prometheus.GaugeVec
}

// workerSnapshot is the last set of values reported for one worker label,
// kept around so the aggregated series can be recomputed over all known
// workers (a sum, except uptime, which takes the maximum) whenever any one
// of them reports again.
type workerSnapshot struct {
	uptime                                         float64
	dbKeysCount, dbSize                            float64
	netRecvPkts, netRecvData, netSentPkts, netSentData float64
	netAccepted, netActive, netAcceptedTLS, netActiveTLS float64
	storageWrittenData, storageWriteIOPS               float64
	storageReadData, storageReadIOPS, storageOpenFiles float64
}

// New constructs a Registry. Environment labels are read once, from
// variables named CACHEGRAND_METRIC_ENV_<NAME>, added to every metric as
// `<name-lowercased>="value"`.
func New() *Registry {
	envLabels := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envLabelPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, envLabelPrefix))
		envLabels[name] = v
	}

	labelNames := make([]string, 0, len(envLabels)+1)
	labelNames = append(labelNames, "worker")
	for name := range envLabels {
		labelNames = append(labelNames, name)
	}

	r := &Registry{
		reg:        prometheus.NewRegistry(),
		envLabels:  envLabels,
		labelNames: labelNames,
		perWork:    map[string]*workerSnapshot{},
	}
	r.registerAll()
	return r
}

func (r *Registry) gauge(name, help string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cachegrand",
		Name:      name,
		Help:      help,
	}, r.labelNames)
	r.reg.MustRegister(g)
	return g
}

func (r *Registry) registerAll() {
	r.uptime = r.gauge("uptime", "Seconds since the worker started.")
	r.dbKeysCount = r.gauge("db_keys_count", "Live key count per database.")
	r.dbSize = r.gauge("db_size", "Approximate bytes stored per database.")
	r.netRecvPkts = r.gauge("network_received_packets", "Packets received.")
	r.netRecvData = r.gauge("network_received_data", "Bytes received.")
	r.netSentPkts = r.gauge("network_sent_packets", "Packets sent.")
	r.netSentData = r.gauge("network_sent_data", "Bytes sent.")
	r.netAccepted = r.gauge("network_accepted_connections", "Connections accepted.")
	r.netActive = r.gauge("network_active_connections", "Connections currently open.")
	r.netAcceptedTLS = r.gauge("network_accepted_tls_connections", "TLS connections accepted.")
	r.netActiveTLS = r.gauge("network_active_tls_connections", "TLS connections currently open.")
	r.storageWrittenData = r.gauge("storage_written_data", "Bytes written to shard files.")
	r.storageWriteIOPS = r.gauge("storage_write_iops", "Shard file write operations.")
	r.storageReadData = r.gauge("storage_read_data", "Bytes read from shard files.")
	r.storageReadIOPS = r.gauge("storage_read_iops", "Shard file read operations.")
	r.storageOpenFiles = r.gauge("storage_open_files", "Shard files currently open.")
}

// WorkerSample is one worker's current readings, as handed to Report.
type WorkerSample struct {
	WorkerID string

	UptimeSeconds float64
	DBKeysCount   float64
	DBSizeBytes   float64

	NetworkReceivedPackets float64
	NetworkReceivedData    float64
	NetworkSentPackets     float64
	NetworkSentData        float64
	NetworkAccepted        float64
	NetworkActive          float64
	NetworkAcceptedTLS     float64
	NetworkActiveTLS       float64

	StorageWrittenData float64
	StorageWriteIOPS   float64
	StorageReadData    float64
	StorageReadIOPS    float64
	StorageOpenFiles   float64
}

// Report publishes s under its own {worker="<id>"} label set and
// recomputes the {worker="aggregated"} series as a sum over every worker
// that has ever reported (uptime takes the maximum instead).
func (r *Registry) Report(s WorkerSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.perWork[s.WorkerID] = &workerSnapshot{
		uptime:             s.UptimeSeconds,
		dbKeysCount:        s.DBKeysCount,
		dbSize:             s.DBSizeBytes,
		netRecvPkts:        s.NetworkReceivedPackets,
		netRecvData:        s.NetworkReceivedData,
		netSentPkts:        s.NetworkSentPackets,
		netSentData:        s.NetworkSentData,
		netAccepted:        s.NetworkAccepted,
		netActive:          s.NetworkActive,
		netAcceptedTLS:     s.NetworkAcceptedTLS,
		netActiveTLS:       s.NetworkActiveTLS,
		storageWrittenData: s.StorageWrittenData,
		storageWriteIOPS:   s.StorageWriteIOPS,
		storageReadData:    s.StorageReadData,
		storageReadIOPS:    s.StorageReadIOPS,
		storageOpenFiles:   s.StorageOpenFiles,
	}

	labels := r.labelsFor(s.WorkerID)
	r.uptime.With(labels).Set(s.UptimeSeconds)
	r.dbKeysCount.With(labels).Set(s.DBKeysCount)
	r.dbSize.With(labels).Set(s.DBSizeBytes)
	r.netRecvPkts.With(labels).Set(s.NetworkReceivedPackets)
	r.netRecvData.With(labels).Set(s.NetworkReceivedData)
	r.netSentPkts.With(labels).Set(s.NetworkSentPackets)
	r.netSentData.With(labels).Set(s.NetworkSentData)
	r.netAccepted.With(labels).Set(s.NetworkAccepted)
	r.netActive.With(labels).Set(s.NetworkActive)
	r.netAcceptedTLS.With(labels).Set(s.NetworkAcceptedTLS)
	r.netActiveTLS.With(labels).Set(s.NetworkActiveTLS)
	r.storageWrittenData.With(labels).Set(s.StorageWrittenData)
	r.storageWriteIOPS.With(labels).Set(s.StorageWriteIOPS)
	r.storageReadData.With(labels).Set(s.StorageReadData)
	r.storageReadIOPS.With(labels).Set(s.StorageReadIOPS)
	r.storageOpenFiles.With(labels).Set(s.StorageOpenFiles)

	r.publishAggregatedLocked()
}

func (r *Registry) publishAggregatedLocked() {
	var agg workerSnapshot
	for _, s := range r.perWork {
		agg.uptime = max64(agg.uptime, s.uptime)
		agg.dbKeysCount += s.dbKeysCount
		agg.dbSize += s.dbSize
		agg.netRecvPkts += s.netRecvPkts
		agg.netRecvData += s.netRecvData
		agg.netSentPkts += s.netSentPkts
		agg.netSentData += s.netSentData
		agg.netAccepted += s.netAccepted
		agg.netActive += s.netActive
		agg.netAcceptedTLS += s.netAcceptedTLS
		agg.netActiveTLS += s.netActiveTLS
		agg.storageWrittenData += s.storageWrittenData
		agg.storageWriteIOPS += s.storageWriteIOPS
		agg.storageReadData += s.storageReadData
		agg.storageReadIOPS += s.storageReadIOPS
		agg.storageOpenFiles += s.storageOpenFiles
	}

	labels := r.labelsFor(aggregatedWorker)
	r.uptime.With(labels).Set(agg.uptime)
	r.dbKeysCount.With(labels).Set(agg.dbKeysCount)
	r.dbSize.With(labels).Set(agg.dbSize)
	r.netRecvPkts.With(labels).Set(agg.netRecvPkts)
	r.netRecvData.With(labels).Set(agg.netRecvData)
	r.netSentPkts.With(labels).Set(agg.netSentPkts)
	r.netSentData.With(labels).Set(agg.netSentData)
	r.netAccepted.With(labels).Set(agg.netAccepted)
	r.netActive.With(labels).Set(agg.netActive)
	r.netAcceptedTLS.With(labels).Set(agg.netAcceptedTLS)
	r.netActiveTLS.With(labels).Set(agg.netActiveTLS)
	r.storageWrittenData.With(labels).Set(agg.storageWrittenData)
	r.storageWriteIOPS.With(labels).Set(agg.storageWriteIOPS)
	r.storageReadData.With(labels).Set(agg.storageReadData)
	r.storageReadIOPS.With(labels).Set(agg.storageReadIOPS)
	r.storageOpenFiles.With(labels).Set(agg.storageOpenFiles)
}

func (r *Registry) labelsFor(worker string) prometheus.Labels {
	labels := make(prometheus.Labels, len(r.labelNames))
	labels["worker"] = worker
	for name, value := range r.envLabels {
		labels[name] = value
	}
	return labels
}

// Handler returns the http.Handler serving GET /metrics in Prometheus text
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
