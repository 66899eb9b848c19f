// Package extract selects the dispensing records that belong to one
// drug-interaction component and resolves each to its core drug.
package extract

import (
	"fmt"
	"iter"
	"strings"

	"ddiexposure/internal/interval"
)

const (
	// DefaultSeparator splits combination products into ingredients.
	DefaultSeparator = "/"
	// DefaultMaxIngredients bounds how many ingredients of a combination are matched.
	DefaultMaxIngredients = 4
)

// Dispensing is one pharmacy claim as read from the claims extract.
// DaysSupply is 0 when the source value was missing.
type Dispensing struct {
	BeneID     string
	DrugName   string
	FillDate   interval.Day
	DaysSupply int
	Route      string
}

// Resolved is a dispensing record attributed to one core drug of a list.
type Resolved struct {
	BeneID     string
	CoreDrug   string
	Class      string
	FillDate   interval.Day
	DaysSupply int
	SourceName string
}

// Entry is one row of a drug list.
type Entry struct {
	DrugName string
	CoreDrug string
	Class    string
}

// Options tune how raw names are matched against a list.
type Options struct {
	Separator      string
	MaxIngredients int
	// SingleProducts are names that contain the separator but are one drug.
	SingleProducts []string
	// Expansions map a product name to ingredient names the raw data does
	// not spell out.
	Expansions map[string][]string
	// Routes restricts matches to these routes of administration when non-empty.
	Routes []string
}

// List is a drug list ready for matching.
type List struct {
	name           string
	entries        map[string]Entry
	separator      string
	maxIngredients int
	single         map[string]bool
	expansions     map[string][]string
	routes         map[string]bool
}

// NewList indexes entries by normalized drug name. Duplicate names must
// agree on core drug and class.
func NewList(name string, entries []Entry, opts Options) (*List, error) {
	l := &List{
		name:           name,
		entries:        make(map[string]Entry, len(entries)),
		separator:      opts.Separator,
		maxIngredients: opts.MaxIngredients,
		single:         make(map[string]bool, len(opts.SingleProducts)),
		expansions:     make(map[string][]string, len(opts.Expansions)),
		routes:         make(map[string]bool, len(opts.Routes)),
	}
	if l.separator == "" {
		l.separator = DefaultSeparator
	}
	if l.maxIngredients <= 0 {
		l.maxIngredients = DefaultMaxIngredients
	}

	for _, e := range entries {
		key := normalize(e.DrugName)
		if key == "" {
			continue
		}
		e.CoreDrug = normalize(e.CoreDrug)
		if e.CoreDrug == "" {
			return nil, fmt.Errorf("list %s: drug %q has no core drug", name, e.DrugName)
		}
		e.Class = normalize(e.Class)
		if prev, ok := l.entries[key]; ok && (prev.CoreDrug != e.CoreDrug || prev.Class != e.Class) {
			return nil, fmt.Errorf("list %s: drug %q listed as both %s/%s and %s/%s",
				name, e.DrugName, prev.CoreDrug, prev.Class, e.CoreDrug, e.Class)
		}
		e.DrugName = key
		l.entries[key] = e
	}
	if len(l.entries) == 0 {
		return nil, fmt.Errorf("list %s: no drugs", name)
	}

	for _, s := range opts.SingleProducts {
		l.single[normalize(s)] = true
	}
	for product, ingredients := range opts.Expansions {
		names := make([]string, 0, len(ingredients))
		for _, in := range ingredients {
			names = append(names, normalize(in))
		}
		l.expansions[normalize(product)] = names
	}
	for _, r := range opts.Routes {
		l.routes[normalize(r)] = true
	}
	return l, nil
}

// Name is the list's catalog name.
func (l *List) Name() string { return l.name }

// Len is the number of distinct drug names.
func (l *List) Len() int { return len(l.entries) }

// CoreDrugs returns the set of core drugs the list resolves to.
func (l *List) CoreDrugs() map[string]bool {
	out := make(map[string]bool)
	for _, e := range l.entries {
		out[e.CoreDrug] = true
	}
	return out
}

// Ingredients splits a raw drug name into the names that are looked up in
// the list.
func (l *List) Ingredients(drugName string) []string {
	name := normalize(drugName)
	if name == "" {
		return nil
	}
	if names, ok := l.expansions[name]; ok {
		return names
	}
	if l.single[name] || !strings.Contains(name, l.separator) {
		return []string{name}
	}

	names := []string{name}
	for i, part := range strings.Split(name, l.separator) {
		if i >= l.maxIngredients {
			break
		}
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// Match returns the list entries a raw drug name resolves to, at most one
// per core drug.
func (l *List) Match(drugName string) []Entry {
	var out []Entry
	seen := make(map[string]bool, 2)
	for _, n := range l.Ingredients(drugName) {
		e, ok := l.entries[n]
		if !ok || seen[e.CoreDrug] {
			continue
		}
		seen[e.CoreDrug] = true
		out = append(out, e)
	}
	return out
}

// Extract flat-maps dispensing records to resolved rows. Records that match
// nothing are skipped. The returned sequence re-reads src on every range.
func (l *List) Extract(src iter.Seq[Dispensing]) iter.Seq[Resolved] {
	return func(yield func(Resolved) bool) {
		for d := range src {
			if len(l.routes) > 0 && !l.routes[normalize(d.Route)] {
				continue
			}
			for _, e := range l.Match(d.DrugName) {
				r := Resolved{
					BeneID:     d.BeneID,
					CoreDrug:   e.CoreDrug,
					Class:      e.Class,
					FillDate:   d.FillDate,
					DaysSupply: d.DaysSupply,
					SourceName: d.DrugName,
				}
				if !yield(r) {
					return
				}
			}
		}
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
