// Package metrics collects named counters for the pipeline.
//
// Counters are the boundary to an external metrics collaborator: components
// only increment them through Recorder. Registry backs them with Prometheus
// counter vectors, which the HTTP surface exposes both as a JSON snapshot and
// in the Prometheus text format.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Counter names shared across components.
const (
	CollectorTransitions = "collector_state_transitions_total"
	CollectorMalformed   = "collector_malformed_messages_total"
	CollectorDropped     = "collector_dropped_messages_total"
	CollectorDuplicates  = "collector_duplicate_ticks_total"
	CollectorPublished   = "collector_published_ticks_total"
	CollectorDials       = "collector_dial_attempts_total"

	AggregatorTicks      = "aggregator_ticks_total"
	AggregatorDuplicates = "aggregator_duplicate_ticks_total"
	AggregatorLate       = "aggregator_late_ticks_total"
	AggregatorEmitted    = "aggregator_candles_emitted_total"
	AggregatorGapFilled  = "aggregator_gap_filled_candles_total"
	AggregatorGapSkipped = "aggregator_gap_skipped_windows_total"

	GatewayDelivered    = "gateway_delivered_total"
	GatewayDroppedOpen  = "gateway_dropped_open_updates_total"
	GatewayDisconnected = "gateway_slow_disconnects_total"
	GatewayConnections  = "gateway_connections_total"

	SinkWritten = "sink_written_total"
	SinkRetried = "sink_retries_total"
	SinkDropped = "sink_dropped_total"
)

var help = map[string]string{
	CollectorTransitions: "Connection state machine transitions.",
	CollectorMalformed:   "Upstream messages that could not be decoded.",
	CollectorDropped:     "Decoded ticks dropped before publishing.",
	CollectorDuplicates:  "Ticks dropped as duplicates by the collector.",
	CollectorPublished:   "Ticks published to the aggregator.",
	CollectorDials:       "Connection attempts.",
	AggregatorTicks:      "Ticks accepted by the aggregator.",
	AggregatorDuplicates: "Ticks dropped as duplicates by the aggregator.",
	AggregatorLate:       "Ticks dropped for windows already closed.",
	AggregatorEmitted:    "Candles emitted, including live updates.",
	AggregatorGapFilled:  "Synthetic candles emitted to fill gaps.",
	AggregatorGapSkipped: "Gaps too long to fill.",
	GatewayDelivered:     "Candles queued for subscribers.",
	GatewayDroppedOpen:   "Live updates evicted from full outboxes.",
	GatewayDisconnected:  "Connections closed for falling behind.",
	GatewayConnections:   "Connections registered.",
	SinkWritten:          "Candles written to storage.",
	SinkRetried:          "Storage write retries.",
	SinkDropped:          "Candles not written to storage.",
}

// Recorder is the counter sink used by pipeline components.
type Recorder interface {
	Inc(name string, labels ...string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) Inc(string, ...string) {}

// Registry is a Recorder backed by a Prometheus registry. Counter vectors are
// created on first use; the label names of a counter are fixed by that call.
type Registry struct {
	reg *prometheus.Registry

	mu   sync.Mutex
	vecs map[string]*prometheus.CounterVec
}

// NewRegistry allocates a registry carrying the Go runtime and process
// collectors next to the pipeline counters.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, vecs: make(map[string]*prometheus.CounterVec)}
}

// Gatherer exposes the underlying registry for the Prometheus handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Inc increments the counter identified by name and labels. Labels are
// key/value pairs: Inc(CollectorMalformed, "exchange", "okx").
func (r *Registry) Inc(name string, labels ...string) {
	if r == nil {
		return
	}
	values := labelMap(labels)
	vec, err := r.vec(name, values)
	if err != nil {
		log.Error().Err(err).Str("counter", name).Msg("failed to register counter")
		return
	}
	c, err := vec.GetMetricWith(values)
	if err != nil {
		log.Error().Err(err).Str("counter", name).Msg("inconsistent counter labels")
		return
	}
	c.Inc()
}

func (r *Registry) vec(name string, values prometheus.Labels) (*prometheus.CounterVec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vecs[name]; ok {
		return v, nil
	}

	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	h := help[name]
	if h == "" {
		h = name
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: h}, names)
	if err := r.reg.Register(v); err != nil {
		return nil, err
	}
	r.vecs[name] = v
	return v, nil
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string, labels ...string) uint64 {
	if r == nil {
		return 0
	}
	pairs := make([]*dto.LabelPair, 0, len(labels)/2)
	for k, v := range labelMap(labels) {
		pairs = append(pairs, &dto.LabelPair{Name: &k, Value: &v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return r.Snapshot()[seriesName(name, pairs)]
}

// Sum returns the total across every label set of name.
func (r *Registry) Sum(name string) uint64 {
	var total uint64
	for key, v := range r.Snapshot() {
		if key == name || strings.HasPrefix(key, name+"{") {
			total += v
		}
	}
	return total
}

// Snapshot returns every pipeline counter keyed by rendered series name,
// e.g. "sink_dropped_total{reason=queue full}". Runtime collectors are left
// to the Prometheus endpoint.
func (r *Registry) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if r == nil {
		return out
	}
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("partial metrics gather")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mf := range families {
		if _, ok := r.vecs[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			out[seriesName(mf.GetName(), m.GetLabel())] = uint64(m.GetCounter().GetValue())
		}
	}
	return out
}

func labelMap(labels []string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		out[labels[i]] = labels[i+1]
	}
	return out
}

// seriesName renders name and its label pairs, which Gather returns sorted
// by label name.
func seriesName(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"="+l.GetValue())
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}
