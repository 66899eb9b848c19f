package definition

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const catalogYAML = `
lists:
  - name: opioids
    path: lists/opioids.csv
    single_products: ["BUPRENORPHINE/NALOXONE"]
  - name: benzodiazepines
    path: /abs/benzos.csv
    routes: [oral]
  - name: anticholinergics
    path: lists/acb.csv
    expansions:
      LIBRAX: [CHLORDIAZEPOXIDE, CLIDINIUM]
definitions:
  - id: opioid_benzo
    label: Opioid + benzodiazepine
    components: [opioids, benzodiazepines]
  - id: acb2
    label: Two or more anticholinergics
    components: [anticholinergics, anticholinergics]
    distinct_class: true
  - id: triple
    components: [opioids, benzodiazepines, anticholinergics]
    exclusions:
      - component: 3
        core_drugs: [" clidinium "]
        reason: not systemic
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(c.Definitions) != 3 {
		t.Fatalf("got %d definitions, want 3", len(c.Definitions))
	}

	op, ok := c.List("opioids")
	if !ok {
		t.Fatal("opioids list missing")
	}
	if want := filepath.Join(dir, "lists/opioids.csv"); op.Path != want {
		t.Errorf("relative path = %q, want %q", op.Path, want)
	}
	bz, _ := c.List("benzodiazepines")
	if bz.Path != "/abs/benzos.csv" {
		t.Errorf("absolute path rewritten to %q", bz.Path)
	}
	if got := bz.Options().Routes; len(got) != 1 || got[0] != "oral" {
		t.Errorf("routes = %v", got)
	}
	acb, _ := c.List("anticholinergics")
	if got := acb.Options().Expansions["LIBRAX"]; len(got) != 2 {
		t.Errorf("expansions = %v", got)
	}

	if c.Definitions[0].SameList() {
		t.Error("opioid_benzo should not be a same-list definition")
	}
	if !c.Definitions[1].SameList() || !c.Definitions[1].DistinctClass {
		t.Error("acb2 should be same-list with distinct classes")
	}
	if got := c.Definitions[2].Excluded(2); !got["CLIDINIUM"] {
		t.Errorf("Excluded(2) = %v", got)
	}
	if got := c.Definitions[2].Excluded(0); len(got) != 0 {
		t.Errorf("Excluded(0) = %v", got)
	}
}

func TestCheck(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{"ok", Definition{ID: "x", Components: []string{"opioids", "opioids"}}, ""},
		{"one component", Definition{ID: "x", Components: []string{"opioids"}}, "1 components"},
		{"four components", Definition{ID: "x", Components: []string{"opioids", "opioids", "opioids", "opioids"}}, "4 components"},
		{"undefined list", Definition{ID: "x", Components: []string{"opioids", "statins"}}, `undefined list "statins"`},
		{"missing id", Definition{Components: []string{"opioids", "opioids"}}, "missing id"},
		{"bad exclusion", Definition{ID: "x", Components: []string{"opioids", "opioids"},
			Exclusions: []Exclusion{{Component: 3, CoreDrugs: []string{"A"}}}}, "component 3 of 2"},
		{"empty exclusion", Definition{ID: "x", Components: []string{"opioids", "opioids"},
			Exclusions: []Exclusion{{Component: 1}}}, "lists no drugs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(tt.def)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicates(t *testing.T) {
	c, err := Parse([]byte(`
lists:
  - name: a
  - name: a
definitions:
  - id: d
    components: [a, a]
  - id: d
    components: [a, missing]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = c.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{`list "a" defined twice`, `"d": id used twice`, `undefined list "missing"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestSelect(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	all, err := c.Select(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("Select(nil) = %d, %v", len(all), err)
	}
	got, err := c.Select([]string{"triple", "opioid_benzo"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 || got[0].ID != "opioid_benzo" || got[1].ID != "triple" {
		t.Errorf("Select order = %v", got)
	}
	_, err = c.Select([]string{"opioid_benzo", "zzz", "aaa"})
	if !errors.Is(err, ErrConfig) || !strings.Contains(err.Error(), "aaa, zzz") {
		t.Errorf("err = %v", err)
	}
}
