package project

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the set as an array of {"name","version"} objects.
func (s PackageSet) MarshalJSON() ([]byte, error) {
	pkgs := s.pkgs
	if pkgs == nil {
		pkgs = []Package{}
	}
	return json.Marshal(pkgs)
}

// UnmarshalJSON accepts an array whose items are either {"name","version"}
// objects or "author/project@x.y.z" strings.
func (s *PackageSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = PackageSet{}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("packages must be an array: %w", err)
	}

	pkgs := make([]Package, 0, len(items))
	for i, raw := range items {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return fmt.Errorf("packages[%d]: %w", i, err)
			}
			p, err := ParsePackage(text)
			if err != nil {
				return fmt.Errorf("packages[%d]: %w", i, err)
			}
			pkgs = append(pkgs, p)
			continue
		}
		var p Package
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("packages[%d]: %w", i, err)
		}
		pkgs = append(pkgs, p)
	}

	set, err := NewPackageSet(pkgs...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
