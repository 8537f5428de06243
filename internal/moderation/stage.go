package moderation

// StageStatus is the outcome of a single pipeline stage.
type StageStatus int

const (
	// StageClean means the stage ran and found nothing; the pipeline
	// continues.
	StageClean StageStatus = iota

	// StageFlagged means the stage detected a violation; the pipeline
	// short-circuits.
	StageFlagged

	// StageUnavailable means the stage's external dependency was down or
	// errored. The stage contributes nothing and the pipeline continues
	// (fail-open). Making this an explicit outcome lets tests assert on
	// degradation paths instead of relying on swallowed errors.
	StageUnavailable
)

// String returns the status name for log lines.
func (s StageStatus) String() string {
	switch s {
	case StageClean:
		return "clean"
	case StageFlagged:
		return "flagged"
	case StageUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StageResult carries a stage's status and any flags it produced. Err is
// informational only; it is logged, never propagated as a failure.
type StageResult struct {
	Status StageStatus
	Flags  []Flag
	Err    error
}
