package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"ddiexposure/internal/definition"
	"ddiexposure/internal/extract"
	"ddiexposure/internal/tables"
)

// Lists holds the drug lists of a catalog. A list that failed to load
// fails only the definitions that use it.
type Lists struct {
	byName map[string]*extract.List
	broken map[string]error
}

// LoadLists reads every list file the catalog names.
func LoadLists(cat *definition.Catalog, logger *zap.Logger) *Lists {
	if logger == nil {
		logger = zap.NewNop()
	}
	ls := &Lists{byName: make(map[string]*extract.List), broken: make(map[string]error)}
	for _, spec := range cat.Lists {
		l, err := loadList(spec)
		if err != nil {
			logger.Error("drug list unusable", zap.String("list", spec.Name), zap.Error(err))
			ls.broken[spec.Name] = err
			continue
		}
		ls.byName[spec.Name] = l
		logger.Debug("drug list loaded", zap.String("list", spec.Name), zap.Int("entries", l.Len()))
	}
	return ls
}

func loadList(spec definition.ListSpec) (*extract.List, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("list %q has no path", spec.Name)
	}
	entries, err := tables.ReadDrugList(spec.Path)
	if err != nil {
		return nil, err
	}
	return extract.NewList(spec.Name, entries, spec.Options())
}

// NewLists wraps lists already built in memory.
func NewLists(lists ...*extract.List) *Lists {
	ls := &Lists{byName: make(map[string]*extract.List), broken: make(map[string]error)}
	for _, l := range lists {
		ls.byName[l.Name()] = l
	}
	return ls
}

// Resolve returns the list of each component of def, in order.
func (ls *Lists) Resolve(def definition.Definition) ([]*extract.List, error) {
	out := make([]*extract.List, len(def.Components))
	for i, name := range def.Components {
		if err, ok := ls.broken[name]; ok {
			return nil, fmt.Errorf("%w %q: list %q: %v", definition.ErrConfig, def.ID, name, err)
		}
		l, ok := ls.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w %q: list %q not loaded", definition.ErrConfig, def.ID, name)
		}
		out[i] = l
	}
	return out, nil
}
