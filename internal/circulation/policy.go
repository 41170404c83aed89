// internal/circulation/policy.go
package circulation

import (
	"fmt"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/membership"

	"github.com/google/uuid"
)

const (
	DefaultMaxConcurrentLoans = 5
	DefaultLoanPeriodDays     = 7
)

// EligibilityFacts is the read-only view the policy decides on.
type EligibilityFacts struct {
	Member       membership.Member
	TitleID      uuid.UUID
	ActiveLoans  int
	HoldsTitle   bool
	Availability catalog.Availability
}

// Policy holds the borrow eligibility rules. The zero value applies the
// defaults.
type Policy struct {
	MaxConcurrentLoans int
}

func (p Policy) limit() int {
	if p.MaxConcurrentLoans <= 0 {
		return DefaultMaxConcurrentLoans
	}
	return p.MaxConcurrentLoans
}

// Evaluate applies the rules in order and returns the first that fails:
// standing, loan limit, duplicate title, copy availability.
func (p Policy) Evaluate(f EligibilityFacts) Verdict {
	switch {
	case !f.Member.Active():
		return Deny(ReasonUserSuspended)
	case f.ActiveLoans >= p.limit():
		return Deny(ReasonLoanLimitReached)
	case f.HoldsTitle:
		return Deny(ReasonAlreadyBorrowed)
	case f.Availability.Available <= 0:
		return Deny(ReasonNoCopiesAvailable)
	}
	return Allow()
}

// Granularity selects how due dates are computed.
type Granularity string

const (
	// GranularityDay makes a loan due at the start of the day N days after
	// the borrow day, in the policy's location.
	GranularityDay Granularity = "day"
	// GranularityInstant makes a loan due exactly N*24h after borrowing.
	GranularityInstant Granularity = "instant"
)

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case GranularityDay, GranularityInstant:
		return g, nil
	case "":
		return GranularityDay, nil
	}
	return "", fmt.Errorf("unknown due date granularity %q", s)
}

// DuePolicy computes due dates. The zero value is 7 days, day granularity, UTC.
type DuePolicy struct {
	Days        int
	Granularity Granularity
	Location    *time.Location
}

func (p DuePolicy) DueAt(borrowedAt time.Time) time.Time {
	days := p.Days
	if days <= 0 {
		days = DefaultLoanPeriodDays
	}
	if p.Granularity == GranularityInstant {
		return borrowedAt.Add(time.Duration(days) * 24 * time.Hour).UTC()
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := borrowedAt.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+days, 0, 0, 0, 0, loc).UTC()
}
