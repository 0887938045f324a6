// Package admission decides whether the scheduler may launch a new worker on
// the current iteration.
//
// A launch is permitted only when all three gates pass: the launch quota is
// not exhausted, the concurrency cap is not reached, and at least the minimum
// launch interval of logical time has passed since the previous launch.
// A denied launch is simply re-evaluated on the next iteration.
package admission

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is returned by New for quotas or caps that could never admit a worker.
var ErrInvalidPolicy = errors.New("admission: invalid policy")

// Policy holds the fixed admission parameters.
type Policy struct {
	LaunchQuota         int    // total workers that may ever be launched
	MaxConcurrent       int    // cap on simultaneously occupied slots
	MinLaunchIntervalMs uint64 // logical milliseconds between launches
}

// State is a read-only copy of the controller's counters.
type State struct {
	Policy
	TotalLaunched    int
	LastLaunchTimeMs uint64
}

// Controller tracks launches against a Policy. It is owned by the scheduler
// loop and is not safe for concurrent use.
type Controller struct {
	policy           Policy
	totalLaunched    int
	lastLaunchTimeMs uint64
}

// New validates the policy and returns a controller with zero launches.
func New(p Policy) (*Controller, error) {
	if p.LaunchQuota < 0 {
		return nil, fmt.Errorf("%w: launch quota %d", ErrInvalidPolicy, p.LaunchQuota)
	}
	if p.MaxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max concurrent %d", ErrInvalidPolicy, p.MaxConcurrent)
	}
	return &Controller{policy: p}, nil
}

// CanLaunch reports whether a new worker may be started now.
func (c *Controller) CanLaunch(nowMs uint64, occupied int) bool {
	if c.totalLaunched >= c.policy.LaunchQuota {
		return false
	}
	if occupied >= c.policy.MaxConcurrent {
		return false
	}
	// lastLaunchTimeMs can only be ahead of nowMs if the clock were reset.
	if nowMs < c.lastLaunchTimeMs {
		return false
	}
	return nowMs-c.lastLaunchTimeMs >= c.policy.MinLaunchIntervalMs
}

// RecordLaunch counts a successful launch at nowMs.
func (c *Controller) RecordLaunch(nowMs uint64) {
	c.totalLaunched++
	c.lastLaunchTimeMs = nowMs
}

// Exhausted reports whether the launch quota has been used up.
func (c *Controller) Exhausted() bool {
	return c.totalLaunched >= c.policy.LaunchQuota
}

// TotalLaunched returns the number of launches recorded so far.
func (c *Controller) TotalLaunched() int {
	return c.totalLaunched
}

// State returns a copy of the policy and launch counters.
func (c *Controller) State() State {
	return State{
		Policy:           c.policy,
		TotalLaunched:    c.totalLaunched,
		LastLaunchTimeMs: c.lastLaunchTimeMs,
	}
}
