package task

import (
	"math"
	"time"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/model"
)

// RetryPolicy shapes the backoff between attempts.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// PolicyFromConfig converts the scheduler configuration into a policy.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{Base: c.Base.Std(), Max: c.Max.Std(), Jitter: c.Jitter}
}

// RetryDelay returns the wait before retry number attempt (starting at 1). The delay doubles per
// attempt up to Max and is then scaled by a factor in [1-Jitter, 1+Jitter] chosen by r in [0, 1).
func RetryDelay(p RetryPolicy, attempt int, r float64) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	d *= 1 - p.Jitter + 2*p.Jitter*r
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Decision is what happens to a task after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Avoid is the worker the retry should stay away from, if any.
	Avoid model.WorkerID
	// Escalate grows the auto resources of the retry.
	Escalate bool
}

// Decide applies the retry policy to a failure of t. It does not modify t.
func Decide(t *Task, f *model.Failure, p RetryPolicy, r float64) Decision {
	if !f.Cause.Retryable() || t.Retries >= t.MaxRetries() {
		return Decision{}
	}
	d := Decision{
		Retry: true,
		Delay: RetryDelay(p, t.Retries+1, r),
		Avoid: f.Worker,
	}
	if f.Cause == model.ResourceLimitExceeded && t.Spec.Resources.HasAuto() {
		d.Escalate = true
		// A bigger allocation is the fix, not a different worker.
		d.Avoid = ""
	}
	return d
}

// Fail moves t to FAILED and, if d says so, straight back to WAITING for another attempt.
func (t *Task) Fail(f *model.Failure, d Decision, now time.Time) error {
	if err := t.Transition(model.TaskFailed); err != nil {
		return err
	}
	t.EndAttempt(now, f)
	t.Failure = f
	t.ClearPlacement()
	if !d.Retry {
		t.Final = true
		t.FinishedAt = now
		return nil
	}
	t.Retries++
	t.NotBefore = now.Add(d.Delay)
	t.Avoid = d.Avoid
	if d.Escalate {
		t.Escalations++
	}
	return t.Transition(model.TaskWaiting)
}

// Cancel moves t to CANCELLED.
func (t *Task) Cancel(now time.Time) error {
	if err := t.Transition(model.TaskCancelled); err != nil {
		return err
	}
	t.EndAttempt(now, nil)
	t.FinishedAt = now
	return nil
}
