// Package metrics writes CloudWatch Embedded Metric Format records. Lambda
// ships stdout to CloudWatch Logs, which extracts the metrics.
package metrics

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prozz/aws-embedded-metrics-golang/emf"
)

const stageDimension = "Stage"

// Recorder emits one EMF line per metric. It is safe for concurrent use.
type Recorder struct {
	w         *lineWriter
	namespace string
	stage     string
	now       func() time.Time
}

// New creates a Recorder writing to w under namespace "<app>/<stage>".
func New(w io.Writer, app, stage string, logger *slog.Logger) *Recorder {
	if stage == "" {
		stage = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		w:         &lineWriter{w: w, logger: logger},
		namespace: app + "/" + stage,
		stage:     stage,
		now:       time.Now,
	}
}

// Count emits a count metric.
func (r *Recorder) Count(name string, value float64, dims map[string]string) {
	r.emit(name, value, emf.Count, dims)
}

// Gauge emits a unitless sample.
func (r *Recorder) Gauge(name string, value float64, dims map[string]string) {
	r.emit(name, value, emf.None, dims)
}

// emit writes one record with the Stage dimension followed by dims in key
// order.
func (r *Recorder) emit(name string, value float64, unit emf.MetricUnit, dims map[string]string) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		if k != stageDimension {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	m := emf.New(emf.WithWriter(r.w), emf.WithTimestamp(r.now())).
		Namespace(r.namespace).
		Dimension(stageDimension, r.stage)
	for _, k := range keys {
		m = m.Dimension(k, dims[k])
	}
	m.MetricFloatAs(name, value, unit).Log()
}

// lineWriter serializes records from concurrent emitters and logs write
// failures, which the EMF logger drops.
type lineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.w.Write(p)
	if err != nil {
		l.logger.Warn("failed to write metric", slog.Any("err", err))
	}
	return n, err
}
