// Package job holds queue-side domain logic shared by the dispatcher and the
// job service: claim-lease resolution and availability notifications.
package job

import (
	"errors"
	"math"
	"time"

	"github.com/veridoc/veridoc/internal/domain/model"
)

// ErrInvalidBaseLease indicates the configured base lease duration is not positive.
var ErrInvalidBaseLease = errors.New("base lease must be positive")

// LeasePolicy resolves how long a dispatcher may hold a claimed job before the
// requeue sweep treats the claim as abandoned. Inference time grows with
// document size, so the lease scales with page count on top of a base bound.
type LeasePolicy struct {
	base    time.Duration
	perPage time.Duration
	ceiling time.Duration
}

// LeasePolicyOptions configures a LeasePolicy.
type LeasePolicyOptions struct {
	Base    time.Duration // Required: lease for a single-page document
	PerPage time.Duration // Optional: increment per additional page
	Ceiling time.Duration // Optional: hard upper bound; defaults to 10x base
}

// NewLeasePolicy constructs a LeasePolicy.
func NewLeasePolicy(opts LeasePolicyOptions) (*LeasePolicy, error) {
	if opts.Base <= 0 {
		return nil, ErrInvalidBaseLease
	}
	if opts.PerPage < 0 {
		return nil, errors.New("per-page lease increment must be >= 0")
	}
	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = 10 * opts.Base
	}
	if ceiling < opts.Base {
		return nil, errors.New("lease ceiling must be >= base lease")
	}
	return &LeasePolicy{base: opts.Base, perPage: opts.PerPage, ceiling: ceiling}, nil
}

// Base returns the configured single-page lease.
func (p *LeasePolicy) Base() time.Duration {
	if p == nil {
		return 0
	}
	return p.base
}

// LeaseDecision captures a resolved lease in whole seconds.
type LeaseDecision struct {
	Seconds int
	Clamped bool
}

// Duration returns the decision as a time.Duration.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// ForJob resolves the claim lease for a job from its page count. Jobs that
// predate page-count reporting resolve to the base lease.
func (p *LeasePolicy) ForJob(j *model.Job) LeaseDecision {
	pages := 0
	if j != nil && j.PageCount > 1 {
		pages = j.PageCount - 1
	}
	want := p.base + time.Duration(pages)*p.perPage
	if want > p.ceiling {
		return LeaseDecision{Seconds: toSeconds(p.ceiling), Clamped: true}
	}
	return LeaseDecision{Seconds: toSeconds(want)}
}

func toSeconds(d time.Duration) int {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if seconds > int64(math.MaxInt) {
		seconds = int64(math.MaxInt)
	}
	return int(seconds)
}
