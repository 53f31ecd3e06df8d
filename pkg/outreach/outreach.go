// Package outreach contains the core domain types for the meetup messaging tool.
package outreach

import (
	"context"
	"sort"
	"strings"
	"time"
)

// User is a member of a meetup group. Identity is the ID.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FirstName returns the first whitespace-delimited token of the display name.
func (u User) FirstName() string {
	fields := strings.Fields(u.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Group is a meetup group. URLName is the stable key, Name is the display name.
type Group struct {
	URLName string `json:"url_name"`
	Name    string `json:"name"`
}

// Page is one page of a group's membership listing.
type Page struct {
	Number int
	Users  []User // Users after dropping organizers (if configured)
	Raw    int    // Number of records the API returned, before any filtering
}

// Exhausted reports whether the API returned no records at all for this page.
// A page whose users were all filtered out is not exhausted.
func (p *Page) Exhausted() bool {
	return p == nil || p.Raw == 0
}

// IDSet is a set of user IDs.
type IDSet map[string]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set. A nil set holds nothing.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s IDSet) Len() int {
	return len(s)
}

// Sorted returns the ids in lexical order.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Eligible returns the users whose id is in neither seen nor own, preserving order.
func Eligible(users []User, seen, own IDSet) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		if seen.Has(u.ID) || own.Has(u.ID) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Joined returns the sorted ids that are both current members and previously messaged.
func Joined(own, seen IDSet) []string {
	var ids []string
	for id := range own {
		if seen.Has(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RunSummary describes the outcome of one outreach run.
type RunSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OwnGroup   string    `json:"own_group"`
	Sent       int       `json:"sent"`
	Pages      int       `json:"pages"`
	Exhausted  []string  `json:"exhausted,omitempty"` // Target groups with no more users
	Recipients []string  `json:"recipients,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
