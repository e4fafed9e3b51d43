package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer observes durations into a histogram partitioned by one label. Start
// and End track in-flight measurements per label value; Observe records a
// duration measured by the caller. Safe for concurrent use.
type Timer struct {
	mu          sync.Mutex
	startTime   map[string]time.Time
	metrics     *prometheus.HistogramVec
	measureUnit time.Duration
	labelKey    string
}

func NewTimer(metrics *prometheus.HistogramVec, unit time.Duration, labelKey string) *Timer {
	return &Timer{
		startTime:   make(map[string]time.Time),
		measureUnit: unit,
		metrics:     metrics,
		labelKey:    labelKey,
	}
}

func (t *Timer) Start(labelVal string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime[labelVal] = time.Now()
}

// End returns the time since Start was last called for labelVal, or zero if
// it never was. The in-flight entry is cleared.
func (t *Timer) End(labelVal string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start, ok := t.startTime[labelVal]; ok {
		delete(t.startTime, labelVal)
		return Latency(start, time.Now())
	}
	return 0
}

func (t *Timer) Observe(measurement time.Duration, labelVal string) {
	metricsLabels := prometheus.Labels{t.labelKey: labelVal}
	t.metrics.With(metricsLabels).Observe(float64(measurement / t.measureUnit))
}

func (t *Timer) EndAndObserve(labelVal string) {
	t.Observe(t.End(labelVal), labelVal)
}

func Latency(startTime, endTime time.Time) time.Duration {
	return endTime.Sub(startTime)
}
