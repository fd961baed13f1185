// Package access decides which users may request a method through the intake.
package access

import (
	"strings"
	"sync/atomic"

	"servidor/internal/method"
)

// Wildcard matches any user when listed in a rule, and stands for "no
// particular user" when passed to Allowed.
const Wildcard = "*"

type table struct {
	defaultAllow bool
	everyMethod  map[string]bool
	perMethod    map[string]map[string]bool
}

// Policy is safe for concurrent use; Update swaps the rule table atomically.
type Policy struct {
	t atomic.Pointer[table]
}

func New(defaultAllow bool, rules map[string][]string) *Policy {
	p := &Policy{}
	p.Update(defaultAllow, rules)
	return p
}

// Update replaces the rules. Method names are normalized to keys, so a rule
// may name a method either way.
func (p *Policy) Update(defaultAllow bool, rules map[string][]string) {
	t := &table{
		defaultAllow: defaultAllow,
		everyMethod:  map[string]bool{},
		perMethod:    map[string]map[string]bool{},
	}
	for m, users := range rules {
		set := userSet(users)
		if strings.TrimSpace(m) == Wildcard {
			for u := range set {
				t.everyMethod[u] = true
			}
			continue
		}
		key := method.Normalize(m)
		if key == "" {
			continue
		}
		if t.perMethod[key] == nil {
			t.perMethod[key] = map[string]bool{}
		}
		for u := range set {
			t.perMethod[key][u] = true
		}
	}
	p.t.Store(t)
}

func userSet(users []string) map[string]bool {
	out := make(map[string]bool, len(users))
	for _, u := range users {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			out[u] = true
		}
	}
	return out
}

// Allowed reports whether user may request key. An empty user is the
// wildcard: it passes only where every user would.
func (p *Policy) Allowed(key, user string) bool {
	t := p.t.Load()
	if t == nil {
		return false
	}
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		user = Wildcard
	}

	if t.everyMethod[Wildcard] || t.everyMethod[user] {
		return true
	}
	users, ok := t.perMethod[method.Normalize(key)]
	if !ok {
		return t.defaultAllow
	}
	return users[Wildcard] || users[user]
}
