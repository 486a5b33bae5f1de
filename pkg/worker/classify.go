package worker

import (
	"fmt"

	"github.com/daviddao/clockq/pkg/executor"
	"github.com/daviddao/clockq/pkg/model"
)

// Attempt is everything Classify looks at once an execution returns.
type Attempt struct {
	Result executor.Result
	// DeadlineHit is set when the type timeout cancelled the execution.
	DeadlineHit bool
	// Abandoned is set when the executor did not return within the cancel
	// grace; Result is then meaningless.
	Abandoned bool
	// Interrupted is set when a runtime shutdown cancelled the execution.
	Interrupted   bool
	DeliveryCount int
	MaxDeliveries int
}

// Classify decides where an attempt goes after EXECUTING:
//
//	success                       -> acked
//	interrupted by shutdown       -> failed_retryable
//	terminal failure              -> failed_terminal
//	retryable, timeout, abandoned -> failed_retryable, or failed_terminal
//	                                 once DeliveryCount > MaxDeliveries
//
// The returned detail describes the failure and is empty on success.
func Classify(a Attempt) (model.AttemptState, string) {
	if a.Result.Status == executor.StatusSuccess && !a.Abandoned {
		return model.StateAcked, ""
	}

	var detail string
	retryable := true
	switch {
	case a.Abandoned:
		detail = "executor did not stop within the cancel grace"
	case a.DeadlineHit:
		detail = "deadline exceeded"
	case a.Result.Status == executor.StatusRetryable:
		detail = errText(a.Result.Err, "retryable failure")
	case a.Result.Status == executor.StatusTerminal:
		retryable = false
		detail = errText(a.Result.Err, "terminal failure")
	default:
		retryable = false
		detail = fmt.Sprintf("unknown executor status %q", a.Result.Status)
	}

	if a.Interrupted {
		return model.StateFailedRetryable, "interrupted by shutdown: " + detail
	}
	if !retryable {
		return model.StateFailedTerminal, detail
	}
	if a.MaxDeliveries > 0 && a.DeliveryCount > a.MaxDeliveries {
		return model.StateFailedTerminal,
			fmt.Sprintf("max deliveries exceeded (%d > %d): %s", a.DeliveryCount, a.MaxDeliveries, detail)
	}
	return model.StateFailedRetryable, detail
}

func errText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
