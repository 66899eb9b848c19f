// Package definition holds the drug-interaction catalog: the drug lists and
// the pair and triple definitions built from them.
package definition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"ddiexposure/internal/extract"
)

// ErrConfig marks a catalog problem that makes a definition unrunnable.
var ErrConfig = errors.New("invalid definition")

// ListSpec describes one drug list file and how its names are matched.
type ListSpec struct {
	Name           string              `yaml:"name"`
	Path           string              `yaml:"path"`
	Separator      string              `yaml:"separator"`
	MaxIngredients int                 `yaml:"max_ingredients"`
	SingleProducts []string            `yaml:"single_products"`
	Expansions     map[string][]string `yaml:"expansions"`
	Routes         []string            `yaml:"routes"`
}

// Options converts the list settings to extract options.
func (s ListSpec) Options() extract.Options {
	return extract.Options{
		Separator:      s.Separator,
		MaxIngredients: s.MaxIngredients,
		SingleProducts: s.SingleProducts,
		Expansions:     s.Expansions,
		Routes:         s.Routes,
	}
}

// Exclusion removes core drugs from one component of a definition, e.g.
// low-dose aspirin from an antiplatelet component.
type Exclusion struct {
	// Component is 1-based.
	Component int      `yaml:"component"`
	CoreDrugs []string `yaml:"core_drugs"`
	Reason    string   `yaml:"reason"`
}

// Definition is one drug-interaction definition of two or three components.
type Definition struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	// Components name the drug list of each component, in order.
	Components []string `yaml:"components"`
	// DistinctClass forbids pairing two episodes of the same drug class.
	DistinctClass bool        `yaml:"distinct_class"`
	Exclusions    []Exclusion `yaml:"exclusions"`
}

// Arity is the number of components.
func (d Definition) Arity() int { return len(d.Components) }

// SameList reports whether every component draws from one drug list, in
// which case the join yields each unordered pairing more than once.
func (d Definition) SameList() bool {
	if len(d.Components) == 0 {
		return false
	}
	for _, c := range d.Components[1:] {
		if c != d.Components[0] {
			return false
		}
	}
	return true
}

// Excluded returns the normalized core drugs excluded from component i
// (0-based).
func (d Definition) Excluded(i int) map[string]bool {
	out := make(map[string]bool)
	for _, x := range d.Exclusions {
		if x.Component-1 != i {
			continue
		}
		for _, c := range x.CoreDrugs {
			out[strings.ToUpper(strings.TrimSpace(c))] = true
		}
	}
	return out
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Lists       []ListSpec   `yaml:"lists"`
	Definitions []Definition `yaml:"definitions"`

	lists map[string]ListSpec
}

// Load reads a YAML catalog. Relative list paths resolve against the
// catalog's directory.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	for i := range c.Lists {
		if p := c.Lists[i].Path; p != "" && !filepath.IsAbs(p) {
			c.Lists[i].Path = filepath.Join(dir, p)
		}
	}
	c.index()
	return c, nil
}

// Parse decodes a YAML catalog without touching the filesystem.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.index()
	return &c, nil
}

func (c *Catalog) index() {
	c.lists = make(map[string]ListSpec, len(c.Lists))
	for _, l := range c.Lists {
		if _, dup := c.lists[l.Name]; !dup {
			c.lists[l.Name] = l
		}
	}
}

// List looks up a list by name.
func (c *Catalog) List(name string) (ListSpec, bool) {
	l, ok := c.lists[name]
	return l, ok
}

// Check validates one definition against the catalog. The error wraps
// ErrConfig and names the definition.
func (c *Catalog) Check(d Definition) error {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "missing id")
	}
	if n := d.Arity(); n != 2 && n != 3 {
		problems = append(problems, fmt.Sprintf("%d components, want 2 or 3", n))
	}
	for i, name := range d.Components {
		if _, ok := c.lists[name]; !ok {
			problems = append(problems, fmt.Sprintf("component %d references undefined list %q", i+1, name))
		}
	}
	for _, x := range d.Exclusions {
		if x.Component < 1 || x.Component > d.Arity() {
			problems = append(problems, fmt.Sprintf("exclusion targets component %d of %d", x.Component, d.Arity()))
		}
		if len(x.CoreDrugs) == 0 {
			problems = append(problems, fmt.Sprintf("exclusion on component %d lists no drugs", x.Component))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrConfig, d.ID, strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks the whole catalog: list names, definition ids and every
// definition.
func (c *Catalog) Validate() error {
	var errs []error
	seenList := make(map[string]bool, len(c.Lists))
	for _, l := range c.Lists {
		switch {
		case l.Name == "":
			errs = append(errs, fmt.Errorf("%w: list with empty name", ErrConfig))
		case seenList[l.Name]:
			errs = append(errs, fmt.Errorf("%w: list %q defined twice", ErrConfig, l.Name))
		}
		seenList[l.Name] = true
	}
	seenDef := make(map[string]bool, len(c.Definitions))
	for _, d := range c.Definitions {
		if seenDef[d.ID] {
			errs = append(errs, fmt.Errorf("%w %q: id used twice", ErrConfig, d.ID))
		}
		seenDef[d.ID] = true
		if err := c.Check(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Select returns the definitions named by ids in catalog order, or all of
// them when ids is empty.
func (c *Catalog) Select(ids []string) ([]Definition, error) {
	if len(ids) == 0 {
		return c.Definitions, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Definition
	for _, d := range c.Definitions {
		if want[d.ID] {
			out = append(out, d)
			delete(want, d.ID)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: unknown definitions %s", ErrConfig, strings.Join(missing, ", "))
	}
	return out, nil
}
