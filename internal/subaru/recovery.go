package subaru

import (
	"fmt"
	"time"
)

// BackoffKind selects the shape of the pause between retries.
type BackoffKind int

const (
	BackoffNone BackoffKind = iota
	BackoffFixed
	BackoffLinear
)

// Policy is the per-category retry behavior. The zero value means "no retry,
// escalate immediately".
type Policy struct {
	MaxAttempts int
	Backoff     BackoffKind
	Delay       time.Duration
	Consult     bool // ask the diagnostic service before the final retry
}

// Advisor is the external diagnostic collaborator. Implementations must be
// purely advisory: returning ok=false is always a valid answer and the
// engine degrades to it silently when the service is unreachable.
type Advisor interface {
	Suggest(op string, errText string, history []string) (suggestion string, ok bool)
}

// Engine routes every fallible operation through classification and the
// policy table. It decides per-operation retry exhaustion only; whether an
// escalated failure aborts the whole build is the orchestrator's call.
type Engine struct {
	tracker  *Tracker
	advisor  Advisor
	policies map[Category]Policy

	sleep func(time.Duration) // test hook

	// recent operation history, handed to the advisor for context
	history []string
}

func NewEngine(tracker *Tracker, advisor Advisor) *Engine {
	return &Engine{
		tracker:  tracker,
		advisor:  advisor,
		policies: defaultPolicies(),
		sleep:    time.Sleep,
	}
}

// defaultPolicies builds the policy table from the config-tunable globals.
func defaultPolicies() map[Category]Policy {
	delay := time.Duration(RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	attempts := RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return map[Category]Policy{
		CatTransientNetwork: {MaxAttempts: attempts, Backoff: BackoffLinear, Delay: delay},
		CatResourceBusy:     {MaxAttempts: attempts, Backoff: BackoffFixed, Delay: delay},
		CatPermissionDenied: {MaxAttempts: 1},
		CatValidationFailed: {MaxAttempts: 1},
		CatUnclassified:     {MaxAttempts: 2, Backoff: BackoffFixed, Delay: delay, Consult: true},
	}
}

// Run executes action under the default policy table.
func (e *Engine) Run(op string, action func() error) error {
	return e.RunPolicy(op, action, nil)
}

// RunPolicy executes action, retrying per the classified category's policy
// (or the override when given). Any tracker handles acquired by a failed
// attempt are released before the next attempt begins, so retries never leak
// resources.
func (e *Engine) RunPolicy(op string, action func() error, override *Policy) error {
	var (
		lastErr  error
		category Category
		pol      Policy
		hint     string
		attempts int
	)

	consulted := false
	for {
		attempts++
		mark := e.tracker.Mark()

		err := action()
		if err == nil {
			e.record("%s: ok after %d attempt(s)", op, attempts)
			return nil
		}
		lastErr = err

		// Undo anything this attempt left attached before we consider
		// running it again.
		if rel := e.tracker.ReleaseTo(mark); len(rel.Failures) > 0 {
			for _, f := range rel.Failures {
				cPrintf(colWarn, "retry cleanup: %v\n", f)
			}
		}

		category = Classify(op, err)
		if override != nil {
			pol = *override
		} else {
			pol = e.policies[category]
		}
		e.record("%s: attempt %d/%d failed (%s): %v", op, attempts, pol.MaxAttempts, category, err)

		if attempts < pol.MaxAttempts {
			e.sleep(e.backoff(pol, attempts))
			continue
		}

		// Attempts exhausted. The unclassified branch gets one more shot
		// if the diagnostic service has something to offer.
		if pol.Consult && !consulted && e.advisor != nil {
			consulted = true
			if s, ok := e.advisor.Suggest(op, err.Error(), e.recent()); ok {
				hint = s
				arrow("Advisory for %s: %s", op, s)
				e.sleep(e.backoff(pol, attempts))
				continue
			}
		}
		break
	}

	fail := &OperationFailure{
		Op:       op,
		Category: category,
		Attempts: attempts,
		Hint:     hint,
		Err:      lastErr,
	}
	cPrintf(colError, "escalating: %v\n", fail)
	return fail
}

func (e *Engine) backoff(pol Policy, attempt int) time.Duration {
	switch pol.Backoff {
	case BackoffLinear:
		return pol.Delay * time.Duration(attempt)
	case BackoffFixed:
		return pol.Delay
	default:
		return 0
	}
}

func (e *Engine) record(format string, a ...any) {
	line := fmt.Sprintf(format, a...)
	debugf("recovery: %s\n", line)
	e.history = append(e.history, line)
	if len(e.history) > 32 {
		e.history = e.history[len(e.history)-32:]
	}
}

func (e *Engine) recent() []string {
	n := len(e.history)
	if n > 8 {
		return e.history[n-8:]
	}
	return e.history
}
