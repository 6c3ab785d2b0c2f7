package models

// FailureCategory classifies what went wrong with a story stage.
type FailureCategory string

const (
	// FailureJudgeRejected means the judge rejected the work. Terminal.
	FailureJudgeRejected FailureCategory = "JUDGE_REJECTED"
	// FailureAPIExhausted means the upstream model stayed unavailable
	// after the retry budget. Terminal.
	FailureAPIExhausted FailureCategory = "API_EXHAUSTED"
	// FailureAPIError means a retryable upstream model error.
	FailureAPIError FailureCategory = "API_ERROR"
	// FailureNetworkTransient means a transient network fault.
	FailureNetworkTransient FailureCategory = "NETWORK_TRANSIENT"
	// FailureTimeout means an operation ran out of time.
	FailureTimeout FailureCategory = "TIMEOUT"
	// FailureGitTransient means a git operation failed transiently.
	FailureGitTransient FailureCategory = "GIT_TRANSIENT"
	// FailureUncommittedWork means the tree holds work that was never committed.
	FailureUncommittedWork FailureCategory = "UNCOMMITTED_WORK"
	// FailureUnpushedWork means commits exist on the branch despite the error.
	FailureUnpushedWork FailureCategory = "UNPUSHED_WORK"
	// FailureMergeConflict means a preserved merge conflict outlived the
	// configured resolution window. Terminal.
	FailureMergeConflict FailureCategory = "MERGE_CONFLICT"
	// FailureUnknown is the last-resort category.
	FailureUnknown FailureCategory = "UNKNOWN"
)

// FailureStrategy is the recommended next move after a failure.
type FailureStrategy string

const (
	// StrategyAccept means stop: the failure is final.
	StrategyAccept FailureStrategy = "accept"
	// StrategyRetryWithBackoff means retry after an exponential delay.
	StrategyRetryWithBackoff FailureStrategy = "retry_with_backoff"
	// StrategyRetryWithMoreTime means retry with an increased timeout.
	StrategyRetryWithMoreTime FailureStrategy = "retry_with_more_time"
	// StrategyRetryImmediate means retry without delay.
	StrategyRetryImmediate FailureStrategy = "retry_immediate"
	// StrategyAutoCommitAndContinue means commit the dirty tree and proceed to judge.
	StrategyAutoCommitAndContinue FailureStrategy = "auto_commit_and_continue"
	// StrategySalvageAndJudge means treat existing git work as authoritative
	// and route it to the judge.
	StrategySalvageAndJudge FailureStrategy = "salvage_and_judge"
)

// Confidence grades how sure the classifier is about its analysis.
type Confidence string

const (
	// ConfidenceHigh means the evidence matched a specific rule.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium means the evidence was partial.
	ConfidenceMedium Confidence = "medium"
	// ConfidenceLow means the classifier fell through to a default.
	ConfidenceLow Confidence = "low"
)

// FailureAnalysis is the classifier's verdict on a failure, consumed by the
// recovery service and surfaced to the user on terminal failure.
type FailureAnalysis struct {
	// Category is the failure taxonomy bucket.
	Category FailureCategory `json:"category"`
	// Strategy is the recommended next move.
	Strategy FailureStrategy `json:"strategy"`
	// IsTerminal reports whether automated recovery should stop.
	IsTerminal bool `json:"is_terminal"`
	// ShouldRetry reports whether the failed stage should re-run.
	ShouldRetry bool `json:"should_retry"`
	// ShouldCallJudge reports whether existing work should go to the judge.
	ShouldCallJudge bool `json:"should_call_judge"`
	// RetryDelayMS is how long to wait before retrying, in milliseconds.
	RetryDelayMS int64 `json:"retry_delay_ms,omitempty"`
	// MaxAdditionalRetries is how many more attempts the strategy permits.
	MaxAdditionalRetries int `json:"max_additional_retries"`
	// Confidence grades the analysis.
	Confidence Confidence `json:"confidence"`
	// Evidence lists the observations that led to the classification.
	Evidence []string `json:"evidence,omitempty"`
	// Recommendations lists human-readable next steps.
	Recommendations []string `json:"recommendations,omitempty"`
}
