package flowrun

import "time"

// RetryBuilder assembles the RetryPolicy of a step for
// FlowBuilder.StepWithRetryBuilder. Step retries happen inside one execution
// of the run: a step still failing after its last attempt fails the run,
// and the job queue only retries executions that were interrupted.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy that tries a step at most attempts times. Anything
// below one means a single try.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// Exponential waits initial before the first retry and multiplies the wait
// by factor after each one. A factor below 1 becomes 2. A positive limit
// caps the wait and is raised to initial when smaller; zero leaves the wait
// uncapped.
//
//	Retry(3).Exponential(100*time.Millisecond, 2, 2*time.Second)
func (r RetryBuilder) Exponential(initial time.Duration, factor float64, limit time.Duration) RetryBuilder {
	initial = max(initial, 0)
	if factor < 1 {
		factor = 2
	}
	if limit > 0 {
		limit = max(limit, initial)
	} else {
		limit = 0
	}
	r.policy.InitialBackoff = initial
	r.policy.MaxBackoff = limit
	r.policy.Multiplier = factor
	return r
}

// Every waits the same delay before each retry.
func (r RetryBuilder) Every(delay time.Duration) RetryBuilder {
	delay = max(delay, 0)
	r.policy.InitialBackoff = delay
	r.policy.MaxBackoff = delay
	r.policy.Multiplier = 1
	return r
}

// NoWait retries straight after a failure.
func (r RetryBuilder) NoWait() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.MaxBackoff = 0
	r.policy.Multiplier = 1
	return r
}

func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
