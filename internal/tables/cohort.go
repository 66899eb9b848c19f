package tables

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type cohortEntry struct {
	BeneID string `json:"bene_id"`
}

// Cohort restricts a run to a set of beneficiaries. The nil Cohort admits
// everyone.
type Cohort map[string]bool

// Has reports whether bene is in the cohort.
func (c Cohort) Has(bene string) bool {
	return c == nil || c[bene]
}

// LoadCohort reads a JSON array of objects with "bene_id" string fields.
func LoadCohort(path string) (Cohort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cohort file: %w", err)
	}

	var entries []cohortEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cohort file: %w", err)
	}

	c := make(Cohort, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.BeneID)
		if id == "" {
			return nil, fmt.Errorf("cohort entry %d has no bene_id", i)
		}
		c[id] = true
	}
	return c, nil
}
