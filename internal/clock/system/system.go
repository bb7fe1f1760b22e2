// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/sitemirror/internal/mirror"
)

var _ mirror.Clock = Clock{}

// Clock reports the current time in UTC so persisted timestamps compare cleanly
// across hosts.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time with the monotonic reading stripped.
func (Clock) Now() time.Time {
	return time.Now().UTC().Round(0)
}
