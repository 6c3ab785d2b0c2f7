// Package classify turns stage failures into recovery decisions. The
// classifier is a pure function: it never errors and always produces an
// actionable analysis.
package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/pkg/models"
)

// Backoff parameters for retry delays.
const (
	backoffBase = 5 * time.Second
	backoffCap  = 60 * time.Second
)

// Limits are the per-category retry ceilings.
type Limits struct {
	// Network is deliberately aggressive: network blips resolve themselves.
	Network int
	API     int
	Timeout int
	Git     int
	Unknown int
}

// DefaultLimits returns the standard ceilings.
func DefaultLimits() Limits {
	return Limits{Network: 10, API: 3, Timeout: 5, Git: 5, Unknown: 3}
}

// Context is everything known about a failure at classification time.
type Context struct {
	// Err is the failure that triggered classification.
	Err error
	// Phase names the pipeline stage that failed.
	Phase string
	// RetriesAttempted counts prior attempts of the failed stage.
	RetriesAttempted int
	// DeveloperOutput is the agent's output, when the developer stage ran.
	DeveloperOutput *models.DeveloperOutput
	// WorkspaceDetection is the working-tree evidence, when gathered.
	WorkspaceDetection *git.WorkDetection
	// HasCommitsOnBranch is true when the story branch carries commits.
	HasCommitsOnBranch bool
	// ElapsedMS and TimeoutMS let the classifier infer timeouts even when
	// the error text does not say so.
	ElapsedMS int64
	TimeoutMS int64
	// JudgeRejected is true when the judge explicitly rejected the story.
	JudgeRejected bool
}

// Pattern sets matched case-insensitively against the error text.
var (
	apiPatterns = []string{
		"anthropic",
		"claude",
		"api error",
		"api_error",
		"overloaded",
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"529",
		"invalid api key",
		"credit balance",
		"billing",
	}
	networkPatterns = []string{
		"econnrefused",
		"connection refused",
		"enotfound",
		"could not resolve host",
		"econnreset",
		"connection reset",
		"etimedout",
		"socket hang up",
		"network unreachable",
		"eai_again",
		"no route to host",
		"tls handshake",
		"broken pipe",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"context deadline",
	}
	gitPatterns = []string{
		"git ",
		"index.lock",
		"cannot lock ref",
		"unable to lock",
		"non-fast-forward",
		"fetch first",
		"failed to push",
		"shallow update not allowed",
		"remote end hung up",
	}
)

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before the given zero-based attempt:
// min(5s * 2^attempt, 60s).
func Backoff(attempt int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

// Classify evaluates the decision rules top-down and returns the first
// match. Rules earlier in the order rest on stronger evidence.
func Classify(fctx Context, limits Limits) models.FailureAnalysis {
	msg := ""
	if fctx.Err != nil {
		msg = strings.ToLower(fctx.Err.Error())
	}

	// Rule 1: an explicit judge rejection is a verdict, not a malfunction.
	if fctx.JudgeRejected {
		return models.FailureAnalysis{
			Category:   models.FailureJudgeRejected,
			Strategy:   models.StrategyAccept,
			IsTerminal: true,
			Confidence: models.ConfidenceHigh,
			Evidence:   []string{"judge returned an explicit rejection"},
			Recommendations: []string{
				"review the judge feedback on the preserved story branch",
			},
		}
	}

	// Rules 2 and 3: upstream model errors.
	if matchesAny(msg, apiPatterns) {
		if fctx.RetriesAttempted < limits.API {
			return models.FailureAnalysis{
				Category:             models.FailureAPIError,
				Strategy:             models.StrategyRetryWithBackoff,
				ShouldRetry:          true,
				RetryDelayMS:         Backoff(fctx.RetriesAttempted).Milliseconds(),
				MaxAdditionalRetries: limits.API - fctx.RetriesAttempted,
				Confidence:           models.ConfidenceHigh,
				Evidence:             []string{fmt.Sprintf("error matches API pattern: %s", firstLine(msg))},
			}
		}
		return models.FailureAnalysis{
			Category:   models.FailureAPIExhausted,
			Strategy:   models.StrategyAccept,
			IsTerminal: true,
			Confidence: models.ConfidenceHigh,
			Evidence:   []string{fmt.Sprintf("API errors persisted through %d retries", fctx.RetriesAttempted)},
			Recommendations: []string{
				"check upstream API status and account limits before retrying the task",
			},
		}
	}

	// Rule 4: work is sitting in the tree. Commit it and keep going.
	if fctx.WorkspaceDetection.Any() {
		evidence := []string{}
		if fctx.WorkspaceDetection.HasUncommittedFiles {
			evidence = append(evidence, fmt.Sprintf("%d modified files uncommitted", len(fctx.WorkspaceDetection.UncommittedFiles)))
		}
		if fctx.WorkspaceDetection.HasUntrackedFiles {
			evidence = append(evidence, fmt.Sprintf("%d untracked files present", len(fctx.WorkspaceDetection.UntrackedFiles)))
		}
		return models.FailureAnalysis{
			Category:        models.FailureUncommittedWork,
			Strategy:        models.StrategyAutoCommitAndContinue,
			ShouldCallJudge: true,
			Confidence:      models.ConfidenceHigh,
			Evidence:        evidence,
		}
	}

	// Rule 5: commits already exist. Skip the developer, judge what is there.
	if fctx.HasCommitsOnBranch {
		return models.FailureAnalysis{
			Category:        models.FailureUnpushedWork,
			Strategy:        models.StrategySalvageAndJudge,
			ShouldCallJudge: true,
			Confidence:      models.ConfidenceHigh,
			Evidence:        []string{"story branch carries commits despite the failure"},
		}
	}

	// Rule 6: transient network faults.
	if matchesAny(msg, networkPatterns) {
		if fctx.RetriesAttempted < limits.Network {
			return models.FailureAnalysis{
				Category:             models.FailureNetworkTransient,
				Strategy:             models.StrategyRetryWithBackoff,
				ShouldRetry:          true,
				RetryDelayMS:         Backoff(fctx.RetriesAttempted).Milliseconds(),
				MaxAdditionalRetries: limits.Network - fctx.RetriesAttempted,
				Confidence:           models.ConfidenceMedium,
				Evidence:             []string{fmt.Sprintf("error matches network pattern: %s", firstLine(msg))},
			}
		}
		return salvage(models.FailureNetworkTransient, fctx.RetriesAttempted, models.ConfidenceMedium)
	}

	// Rule 7: timeouts, textual or inferred from elapsed time.
	timedOut := matchesAny(msg, timeoutPatterns)
	if !timedOut && fctx.TimeoutMS > 0 && fctx.ElapsedMS*10 >= fctx.TimeoutMS*9 {
		timedOut = true
	}
	if timedOut {
		if fctx.RetriesAttempted < limits.Timeout {
			return models.FailureAnalysis{
				Category:             models.FailureTimeout,
				Strategy:             models.StrategyRetryWithMoreTime,
				ShouldRetry:          true,
				RetryDelayMS:         Backoff(fctx.RetriesAttempted).Milliseconds(),
				MaxAdditionalRetries: limits.Timeout - fctx.RetriesAttempted,
				Confidence:           models.ConfidenceMedium,
				Evidence:             timeoutEvidence(fctx, msg),
			}
		}
		return salvage(models.FailureTimeout, fctx.RetriesAttempted, models.ConfidenceMedium)
	}

	// Rule 8: git-level faults retry immediately; lock files clear fast.
	if matchesAny(msg, gitPatterns) {
		if fctx.RetriesAttempted < limits.Git {
			return models.FailureAnalysis{
				Category:             models.FailureGitTransient,
				Strategy:             models.StrategyRetryImmediate,
				ShouldRetry:          true,
				RetryDelayMS:         0,
				MaxAdditionalRetries: limits.Git - fctx.RetriesAttempted,
				Confidence:           models.ConfidenceMedium,
				Evidence:             []string{fmt.Sprintf("error matches git pattern: %s", firstLine(msg))},
			}
		}
		return salvage(models.FailureGitTransient, fctx.RetriesAttempted, models.ConfidenceMedium)
	}

	// Rule 9: unknown. A cautious retry, then salvage as the last resort.
	if fctx.RetriesAttempted < limits.Unknown {
		return models.FailureAnalysis{
			Category:             models.FailureUnknown,
			Strategy:             models.StrategyRetryWithBackoff,
			ShouldRetry:          true,
			RetryDelayMS:         Backoff(fctx.RetriesAttempted).Milliseconds(),
			MaxAdditionalRetries: limits.Unknown - fctx.RetriesAttempted,
			Confidence:           models.ConfidenceLow,
			Evidence:             []string{fmt.Sprintf("unrecognized failure: %s", firstLine(msg))},
		}
	}
	return salvage(models.FailureUnknown, fctx.RetriesAttempted, models.ConfidenceLow)
}

// salvage is the shared exhausted-retries outcome: stop retrying and let the
// judge decide whether whatever exists on the branch is shippable.
func salvage(category models.FailureCategory, retries int, confidence models.Confidence) models.FailureAnalysis {
	return models.FailureAnalysis{
		Category:        category,
		Strategy:        models.StrategySalvageAndJudge,
		ShouldCallJudge: true,
		Confidence:      confidence,
		Evidence:        []string{fmt.Sprintf("retries exhausted after %d attempts", retries)},
		Recommendations: []string{
			"judge will evaluate any recovered work before the story is failed",
		},
	}
}

func timeoutEvidence(fctx Context, msg string) []string {
	if fctx.TimeoutMS > 0 && fctx.ElapsedMS > 0 {
		return []string{fmt.Sprintf("elapsed %dms of %dms budget", fctx.ElapsedMS, fctx.TimeoutMS)}
	}
	return []string{fmt.Sprintf("error matches timeout pattern: %s", firstLine(msg))}
}

func firstLine(msg string) string {
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		return msg[:idx]
	}
	return msg
}
