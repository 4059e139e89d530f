// Package policy holds the static per-endpoint cache configuration: which
// read strategy an endpoint uses, how long its responses stay fresh, and
// which cached reads a mutation makes stale.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how the router answers a read.
type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
	CacheOnly
	NetworkOnly
	StaleWhileRevalidate

	numStrategies
)

// Strategies lists every strategy in declaration order.
var Strategies = []Strategy{CacheFirst, NetworkFirst, CacheOnly, NetworkOnly, StaleWhileRevalidate}

var strategyNames = [numStrategies]string{
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	CacheOnly:            "cache-only",
	NetworkOnly:          "network-only",
	StaleWhileRevalidate: "stale-while-revalidate",
}

func (s Strategy) Valid() bool { return s >= 0 && s < numStrategies }

func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Policy is the resolved configuration for one endpoint.
type Policy struct {
	Strategy             Strategy
	TTL                  time.Duration
	OfflineSupport       bool
	BackgroundSync       bool
	StaleWhileRevalidate bool
}

// Default applies to paths no rule matches.
var Default = Policy{Strategy: NetworkFirst, TTL: 5 * time.Minute}

// Rule binds a policy to one or more path prefixes.
type Rule struct {
	Prefixes []string
	Policy   Policy
}

// Table resolves a request path to its policy.
type Table struct {
	rules []Rule
	def   Policy
}

func NewTable(rules []Rule, def *Policy) *Table {
	t := &Table{rules: append([]Rule(nil), rules...), def: Default}
	if def != nil {
		t.def = *def
	}
	return t
}

// Lookup returns the policy of the longest matching prefix. Among equally
// long prefixes the first declared rule wins. When nothing matches it
// returns the table default, an empty prefix and ok=false.
func (t *Table) Lookup(path string) (p Policy, prefix string, ok bool) {
	best := -1
	for _, r := range t.rules {
		for _, pre := range r.Prefixes {
			if len(pre) > best && strings.HasPrefix(path, pre) {
				best = len(pre)
				p, prefix, ok = r.Policy, pre, true
			}
		}
	}
	if !ok {
		return t.def, "", false
	}
	return p, prefix, true
}

// Prefixes returns every configured prefix.
func (t *Table) Prefixes() []string {
	var out []string
	for _, r := range t.rules {
		out = append(out, r.Prefixes...)
	}
	return out
}
