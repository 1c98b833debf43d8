package pipeline

import (
	"fmt"
	"strings"

	"github.com/fmueller/voxserve/internal/whisper"
)

// PlanFor resolves a requested tier into the ordered tiers to attempt.
// "auto", "" and the primary tier attempt every usable tier in catalog
// order, so asking for the primary tier keeps the fallback. Any other tier
// is pinned: a one-element plan, or TierUnavailable when it failed startup
// validation.
func PlanFor(requested string, tiers whisper.TierSet) ([]whisper.ModelTier, error) {
	value := strings.ToLower(strings.TrimSpace(requested))
	if value == "" || value == whisper.TierAuto {
		return autoPlan(tiers)
	}

	tier, err := whisper.ParseTier(value)
	if err != nil {
		return nil, newError(KindInvalidRequest, "plan", fmt.Sprintf("unknown model tier %q; expected auto or one of %s", requested, strings.Join(whisper.TierNames(), ", ")), err)
	}

	if tier == whisper.Catalog()[0].Tier {
		return autoPlan(tiers)
	}

	pinned, err := tiers.Lookup(tier)
	if err != nil {
		return nil, newError(KindTierUnavailable, "plan", fmt.Sprintf("model tier %q is not available", tier), err)
	}
	return []whisper.ModelTier{pinned}, nil
}

func autoPlan(tiers whisper.TierSet) ([]whisper.ModelTier, error) {
	plan := tiers.Usable()
	if len(plan) == 0 {
		return nil, newError(KindTierUnavailable, "plan", "no model tier is available", whisper.ErrNoUsableTier)
	}
	return plan, nil
}

// State is the fallback controller's position.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateExhausted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether an outcome lets the controller advance to the
// next tier.
func Retryable(outcome whisper.Outcome) bool {
	switch outcome {
	case whisper.OutcomeTimeout, whisper.OutcomeNonZeroExit, whisper.OutcomeMalformedOutput:
		return true
	default:
		return false
	}
}

// Controller walks a plan one invocation at a time. It holds no
// subprocess state; callers feed it outcomes and ask what to run next.
type Controller struct {
	plan     []whisper.ModelTier
	index    int
	state    State
	attempts []whisper.Invocation
}

func NewController(plan []whisper.ModelTier) *Controller {
	c := &Controller{plan: plan}
	if len(plan) == 0 {
		c.state = StateExhausted
	}
	return c
}

func (c *Controller) State() State {
	return c.state
}

// Next returns the tier to attempt, or false once the controller is in a
// terminal state.
func (c *Controller) Next() (whisper.ModelTier, bool) {
	if c.state != StatePending {
		return whisper.ModelTier{}, false
	}
	return c.plan[c.index], true
}

// Observe records an invocation of the current tier and transitions.
func (c *Controller) Observe(inv whisper.Invocation) State {
	if c.state != StatePending {
		return c.state
	}
	c.attempts = append(c.attempts, inv)

	switch {
	case inv.Outcome == whisper.OutcomeSuccess:
		c.state = StateSucceeded
	case Retryable(inv.Outcome) && c.index+1 < len(c.plan):
		c.index++
	default:
		c.state = StateExhausted
	}
	return c.state
}

// Cancel stops the controller before its next attempt.
func (c *Controller) Cancel() {
	if c.state == StatePending {
		c.state = StateCanceled
	}
}

func (c *Controller) Attempts() []whisper.Invocation {
	return c.attempts
}
