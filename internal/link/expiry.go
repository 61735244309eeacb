package link

import (
	"fmt"
	"slices"
	"time"

	"github.com/sundayezeilo/shorty/internal/errx"
)

// DefaultExpiryDays is preselected when the caller does not pick a duration.
const DefaultExpiryDays = 7

// ExpiryPolicy is the enumerated set of link lifetimes, in days.
type ExpiryPolicy struct {
	days []int
}

// DefaultExpiryPolicy offers one day, a week, a month, a quarter and a year.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{days: []int{1, 7, 30, 90, 365}}
}

// NewExpiryPolicy builds a policy from positive, distinct day counts.
func NewExpiryPolicy(days ...int) (ExpiryPolicy, error) {
	if len(days) == 0 {
		return ExpiryPolicy{}, fmt.Errorf("expiry policy needs at least one option")
	}
	sorted := slices.Clone(days)
	slices.Sort(sorted)
	for i, d := range sorted {
		if d <= 0 {
			return ExpiryPolicy{}, fmt.Errorf("expiry days must be positive, got %d", d)
		}
		if i > 0 && sorted[i-1] == d {
			return ExpiryPolicy{}, fmt.Errorf("duplicate expiry option %d", d)
		}
	}
	return ExpiryPolicy{days: sorted}, nil
}

// Options returns the selectable day counts in ascending order.
func (p ExpiryPolicy) Options() []int {
	return slices.Clone(p.days)
}

// Allows reports whether days is one of the enumerated options.
func (p ExpiryPolicy) Allows(days int) bool {
	return slices.Contains(p.days, days)
}

// Resolve turns a selected duration into the absolute expiry sent to the server.
func (p ExpiryPolicy) Resolve(now time.Time, days int) (time.Time, error) {
	const op = "link.ExpiryPolicy.Resolve"

	if !p.Allows(days) {
		return time.Time{}, errx.E(op, errx.Invalid,
			fmt.Errorf("expiry of %d days is not offered (choose one of %v)", days, p.days))
	}
	return now.AddDate(0, 0, days), nil
}
