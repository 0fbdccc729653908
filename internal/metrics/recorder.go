package metrics

import "time"

// BuildOutcomeLabel enumerates final build statuses for counters.
type BuildOutcomeLabel string

const (
	OutcomeSuccess  BuildOutcomeLabel = "success"
	OutcomePartial  BuildOutcomeLabel = "partial"
	OutcomeFailed   BuildOutcomeLabel = "failed"
	OutcomeCanceled BuildOutcomeLabel = "canceled"
)

// LinkOpLabel enumerates farm reconciliation operations.
type LinkOpLabel string

const (
	LinkCreate   LinkOpLabel = "create"
	LinkRetarget LinkOpLabel = "retarget"
	LinkRemove   LinkOpLabel = "remove"
)

// Recorder defines observability hooks for build, fetch, and farm metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe on the NoopRecorder so injection stays optional.
type Recorder interface {
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	ObserveFetchDuration(project string, d time.Duration, success bool)
	IncFetchResult(success bool)
	SetFetchConcurrency(n int)
	IncLinkOp(op LinkOpLabel)
	IncSiteResult(success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(time.Duration)               {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)                {}
func (NoopRecorder) ObserveFetchDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncFetchResult(bool)                              {}
func (NoopRecorder) SetFetchConcurrency(int)                          {}
func (NoopRecorder) IncLinkOp(LinkOpLabel)                            {}
func (NoopRecorder) IncSiteResult(bool)                               {}
