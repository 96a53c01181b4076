package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrIncompleteTable is returned when a transition table is missing a move
// between two regions of its scheme.
var ErrIncompleteTable = errors.New("transition table incomplete")

// Transition is an ordered pair of distinct regions.
type Transition struct {
	From Region
	To   Region
}

// String renders the transition in the "FROM->TO" config key form.
func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}

// ParseTransition parses a "FROM->TO" config key.
func ParseTransition(key string) (Transition, error) {
	parts := strings.Split(key, "->")
	if len(parts) != 2 {
		return Transition{}, fmt.Errorf("transition %q: want FROM->TO", key)
	}
	from, err := Parse(parts[0])
	if err != nil {
		return Transition{}, fmt.Errorf("transition %q: %w", key, err)
	}
	to, err := Parse(parts[1])
	if err != nil {
		return Transition{}, fmt.Errorf("transition %q: %w", key, err)
	}
	return Transition{From: from, To: to}, nil
}

// Table maps every move between two regions of a scheme to a direction sign.
type Table struct {
	scheme Scheme
	signs  map[Transition]int
}

// DefaultTable returns the built-in sign table for a scheme.
//
// Binary: LEFT->RIGHT is +1 and RIGHT->LEFT is -1. Quadrant: regions are
// ordered TOP_LEFT, BOTTOM_LEFT, TOP_RIGHT, BOTTOM_RIGHT and a move towards a
// later region is +1, so every left-to-right move agrees with the binary table.
func DefaultTable(scheme Scheme) Table {
	regions := scheme.Regions()
	signs := make(map[Transition]int, len(regions)*(len(regions)-1))
	for i, from := range regions {
		for j, to := range regions {
			if i == j {
				continue
			}
			sign := 1
			if j < i {
				sign = -1
			}
			signs[Transition{From: from, To: to}] = sign
		}
	}
	return Table{scheme: scheme, signs: signs}
}

// NewTable builds a table from "FROM->TO" keys. An empty map yields the
// default table. The result must cover every ordered pair of distinct regions
// in the scheme with a value of +1 or -1.
func NewTable(scheme Scheme, entries map[string]int) (Table, error) {
	if len(entries) == 0 {
		return DefaultTable(scheme), nil
	}

	valid := make(map[Region]bool)
	for _, r := range scheme.Regions() {
		valid[r] = true
	}

	signs := make(map[Transition]int, len(entries))
	for key, sign := range entries {
		tr, err := ParseTransition(key)
		if err != nil {
			return Table{}, err
		}
		if !valid[tr.From] || !valid[tr.To] {
			return Table{}, fmt.Errorf("transition %s is not part of the %s scheme", tr, scheme)
		}
		if tr.From == tr.To {
			return Table{}, fmt.Errorf("transition %s does not change region", tr)
		}
		if sign != 1 && sign != -1 {
			return Table{}, fmt.Errorf("transition %s: sign must be +1 or -1, got %d", tr, sign)
		}
		signs[tr] = sign
	}

	t := Table{scheme: scheme, signs: signs}
	if missing := t.Missing(); len(missing) > 0 {
		return Table{}, fmt.Errorf("%w for %s scheme: missing %s", ErrIncompleteTable, scheme, strings.Join(missing, ", "))
	}
	return t, nil
}

// Missing lists the transitions of the scheme that have no sign.
func (t Table) Missing() []string {
	var missing []string
	for _, from := range t.scheme.Regions() {
		for _, to := range t.scheme.Regions() {
			if from == to {
				continue
			}
			if _, ok := t.signs[Transition{From: from, To: to}]; !ok {
				missing = append(missing, Transition{From: from, To: to}.String())
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Scheme returns the scheme the table was built for.
func (t Table) Scheme() Scheme {
	return t.scheme
}

// Sign returns the direction sign for a move. ok is false for a move that
// is not in the table, which a validated table only reports for from == to.
func (t Table) Sign(from, to Region) (sign int, ok bool) {
	sign, ok = t.signs[Transition{From: from, To: to}]
	return sign, ok
}
