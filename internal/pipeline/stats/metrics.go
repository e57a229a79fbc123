package stats

import "github.com/prometheus/client_golang/prometheus"

// prometheusGauges holds the Prometheus collectors the stats writer
// exports (§4.J'): one gauge vector per per-plugin counter, memory and
// state series, plus per-queue writer/backpressure gauges.
type prometheusGauges struct {
	processCount  *prometheus.GaugeVec
	processFailed *prometheus.GaugeVec
	injectCount   *prometheus.GaugeVec
	injectBytes   *prometheus.GaugeVec
	currentMemory *prometheus.GaugeVec
	maxMemory     *prometheus.GaugeVec
	pluginState   *prometheus.GaugeVec

	queueGap          *prometheus.GaugeVec
	queueWriterID     *prometheus.GaugeVec
	queueWriterOffset *prometheus.GaugeVec
}

func newPrometheusGauges(reg prometheus.Registerer) (*prometheusGauges, error) {
	g := &prometheusGauges{
		processCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "process_total",
			Help:      "Total process() calls for a plugin.",
		}, []string{"plugin", "type"}),
		processFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "process_failed_total",
			Help:      "Total failed process() calls for a plugin.",
		}, []string{"plugin", "type"}),
		injectCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "inject_total",
			Help:      "Total inject_message calls for a plugin.",
		}, []string{"plugin", "type"}),
		injectBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "inject_bytes_total",
			Help:      "Total bytes injected by a plugin.",
		}, []string{"plugin", "type"}),
		currentMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "memory_bytes",
			Help:      "Current sandbox memory usage for a plugin.",
		}, []string{"plugin", "type"}),
		maxMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "memory_bytes_max",
			Help:      "Running maximum sandbox memory usage for a plugin.",
		}, []string{"plugin", "type"}),
		pluginState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "plugin",
			Name:      "state",
			Help:      "1 for a plugin's current lifecycle state label, 0 otherwise.",
		}, []string{"plugin", "type", "state"}),
		queueGap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "queue",
			Name:      "gap",
			Help:      "writer_id - min_reader_id for a queue.",
		}, []string{"queue"}),
		queueWriterID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "queue",
			Name:      "writer_id",
			Help:      "Current file id a queue's writer is appending to.",
		}, []string{"queue"}),
		queueWriterOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hindsight",
			Subsystem: "queue",
			Name:      "writer_offset_bytes",
			Help:      "Current byte offset within a queue writer's active file.",
		}, []string{"queue"}),
	}

	collectors := []prometheus.Collector{
		g.processCount, g.processFailed, g.injectCount, g.injectBytes,
		g.currentMemory, g.maxMemory, g.pluginState,
		g.queueGap, g.queueWriterID, g.queueWriterOffset,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return g, nil
}
