package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports stage status as gauges.
type PrometheusSink struct {
	progress    *prometheus.GaugeVec
	throughput  *prometheus.GaugeVec
	rows        *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewPrometheusSink creates the stage collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		progress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "heliowatch", Subsystem: "pipeline", Name: "stage_progress_percent", Help: "Latest progress of each pipeline stage."},
			[]string{"stage"},
		),
		throughput: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "heliowatch", Subsystem: "pipeline", Name: "stage_throughput_rows_per_second", Help: "Latest throughput estimate of each pipeline stage."},
			[]string{"stage"},
		),
		rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "heliowatch", Subsystem: "pipeline", Name: "stage_rows", Help: "Rows produced by the latest run of each stage."},
			[]string{"stage"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "heliowatch", Subsystem: "pipeline", Name: "stage_state", Help: "1 for the current state of each stage, 0 otherwise."},
			[]string{"stage", "state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "heliowatch", Subsystem: "pipeline", Name: "stage_transitions_total", Help: "Stage state transitions by target state."},
			[]string{"stage", "state"},
		),
	}

	for _, c := range []prometheus.Collector{s.progress, s.throughput, s.rows, s.state, s.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Report implements Sink.
func (s *PrometheusSink) Report(st StageStatus) {
	s.progress.WithLabelValues(st.Stage).Set(float64(st.Progress))
	s.throughput.WithLabelValues(st.Stage).Set(st.Throughput)
	s.rows.WithLabelValues(st.Stage).Set(float64(st.Rows))
	for _, state := range States {
		v := 0.0
		if state == st.State {
			v = 1
		}
		s.state.WithLabelValues(st.Stage, string(state)).Set(v)
	}
	s.transitions.WithLabelValues(st.Stage, string(st.State)).Inc()
}
