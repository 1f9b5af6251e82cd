package decode

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

type layoutFile struct {
	Layouts []Layout `hcl:"layout,block"`
}

// LoadFile reads extra layouts from an HCL (or HCL-JSON) file:
//
//	layout "smelter" {
//	  anchor = "SmelterItemRecipes"
//	  kind   = "smelter"
//	  field "input" {
//	    role     = "entity_ref"
//	    encoding = "u64be"
//	    locate   = "Input"
//	    marker   = "cf"
//	  }
//	}
func LoadFile(path string) ([]Layout, error) {
	var f layoutFile
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return nil, fmt.Errorf("decode layouts %s: %w", path, err)
	}
	for _, l := range f.Layouts {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("layouts %s: %w", path, err)
		}
	}
	return f.Layouts, nil
}

// LoadTable returns the built-in table extended (or overridden) by the
// layouts in path. An empty path yields the built-ins.
func LoadTable(path string) (Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	layouts, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, l := range layouts {
		if err := t.Add(l); err != nil {
			return nil, err
		}
	}
	return t, nil
}
