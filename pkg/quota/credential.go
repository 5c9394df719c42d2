// Package quota manages the pool of API credentials and their daily
// request budgets. The provider's limit is a hard external truth: the
// local counter is an optimistic upper bound, and a live 429 always
// overrides it.
package quota

import (
	"time"
)

// State is a credential's position in its lifecycle.
type State string

const (
	// StateAvailable means the credential may be selected for dispatch.
	StateAvailable State = "available"

	// StateInUse marks the instant of a dispatch decision. It is never
	// held across a network call.
	StateInUse State = "in_use"

	// StateExhausted means the credential is burned until its window
	// resets, either by reaching the local cap or by a live 429.
	StateExhausted State = "exhausted"
)

// Credential is one API key and its tracked usage state. All mutation
// happens under the pool's lock.
type Credential struct {
	// Key is the raw API key value.
	Key string

	// DailyCap is the provider's per-key request budget for one window.
	DailyCap int

	// UsedToday counts requests charged in the current window.
	UsedToday int

	// WindowResetAt is when the current window ends. Zero until the
	// window opens with the first charged request.
	WindowResetAt time.Time

	state          State
	nextEligibleAt time.Time
}

// Remaining returns the credential's tracked remaining budget.
func (c *Credential) Remaining() int {
	r := c.DailyCap - c.UsedToday
	if r < 0 {
		return 0
	}
	return r
}

// State returns the credential's current lifecycle state.
func (c *Credential) State() State {
	return c.state
}

// usable reports whether the credential can take one more request now.
func (c *Credential) usable(now time.Time) bool {
	return c.state != StateExhausted && c.Remaining() > 0
}

// resetIfElapsed returns the credential to Available when its window
// has passed.
func (c *Credential) resetIfElapsed(now time.Time) bool {
	if c.WindowResetAt.IsZero() || now.Before(c.WindowResetAt) {
		return false
	}
	c.UsedToday = 0
	c.WindowResetAt = time.Time{}
	c.state = StateAvailable
	c.nextEligibleAt = time.Time{}
	return true
}

// charge records one request at now, opening the window on first use
// and arming the inter-request delay.
func (c *Credential) charge(now time.Time, window, delay time.Duration) {
	if c.WindowResetAt.IsZero() {
		c.WindowResetAt = now.Add(window)
	}
	c.UsedToday++
	c.nextEligibleAt = now.Add(delay)
	if c.Remaining() == 0 {
		c.state = StateExhausted
	}
}
