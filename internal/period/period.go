package period

import "time"

// JST is the fixed UTC+9 offset all enrollment times are evaluated in.
var JST = time.FixedZone("JST", 9*60*60)

// Clock supplies the current time. Injected so the signup window can be
// tested without waiting for the real opening instant.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().In(JST)
}

// NewClock returns a wall clock reporting time in JST.
func NewClock() Clock {
	return realClock{}
}

// Period identifies the enrollment cycle currently accepting signups.
type Period struct {
	Year   int
	Season int
}

// Matches reports whether a lesson's period is the active one.
func (p Period) Matches(year, season int) bool {
	return p.Year == year && p.Season == season
}

// Window holds the instants from which signup is permitted. Start gates
// regular users; TestStart is earlier and lets admins exercise the signup
// flow before the public opening. There is no closing time - once open, a
// period stays open.
type Window struct {
	Start     time.Time
	TestStart time.Time
}

// Open reports whether signup is currently permitted for the caller.
func (w Window) Open(now time.Time, isAdmin bool) bool {
	if isAdmin {
		return !now.Before(w.TestStart)
	}
	return !now.Before(w.Start)
}
