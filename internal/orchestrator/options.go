package orchestrator

import (
	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/internal/review"
	"github.com/ShayCichocki/conclave/internal/state"
)

// RequiredConfig contains the minimal required configuration for a
// Coordinator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store persists tasks, subtasks, meetings and logs.
	Store state.Store
	// Directory resolves departments and their leaders.
	Directory directory.Directory
	// Runners supplies a runner per provider.
	Runners agent.RunnerFactory
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds all optional configuration.
type coordinatorOptions struct {
	policy     *policy.Config
	logDir     string
	sink       notify.Sink
	metrics    *metrics.Metrics
	logger     *DebugLogger
	recoverer  Recoverer
	classifier review.SignalClassifier

	// Injectable dependencies for testing
	speaker review.Speaker
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *coordinatorOptions) { o.policy = p }
}

// WithLogDir sets the directory for per-task run logs.
func WithLogDir(dir string) Option {
	return func(o *coordinatorOptions) { o.logDir = dir }
}

// WithSink sets the notification sink.
func WithSink(s notify.Sink) Option {
	return func(o *coordinatorOptions) { o.sink = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *coordinatorOptions) { o.metrics = m }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithRecoverer sets what repairs state left by a previous process.
func WithRecoverer(r Recoverer) Option {
	return func(o *coordinatorOptions) { o.recoverer = r }
}

// WithClassifier sets the review signal classifier.
func WithClassifier(c review.SignalClassifier) Option {
	return func(o *coordinatorOptions) { o.classifier = c }
}

// WithSpeaker sets the meeting speaker (mainly for testing).
func WithSpeaker(s review.Speaker) Option {
	return func(o *coordinatorOptions) { o.speaker = s }
}

func defaultOptions() *coordinatorOptions {
	return &coordinatorOptions{
		policy: policy.Default(),
		sink:   notify.Nop{},
		logger: NopLogger(),
	}
}
