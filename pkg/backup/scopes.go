package backup

import (
	"fmt"
	"sort"
	"strings"
)

// Scope selects one part of the account to back up.
type Scope string

// Available scopes.
const (
	ScopeStylesList       Scope = "styles-list"
	ScopeStyleDocuments   Scope = "style-documents"
	ScopeStyleSprites     Scope = "style-sprites"
	ScopeTilesetsList     Scope = "tilesets-list"
	ScopeDatasetsList     Scope = "datasets-list"
	ScopeDatasetDocuments Scope = "dataset-documents"
	ScopeTokensList       Scope = "tokens-list"
)

// AllScopes returns every scope in display order.
func AllScopes() []Scope {
	return []Scope{
		ScopeStylesList,
		ScopeStyleDocuments,
		ScopeStyleSprites,
		ScopeTilesetsList,
		ScopeDatasetsList,
		ScopeDatasetDocuments,
		ScopeTokensList,
	}
}

// impliedBy maps an artifact scope to the list scope it needs.
var impliedBy = map[Scope]Scope{
	ScopeStyleDocuments:   ScopeStylesList,
	ScopeStyleSprites:     ScopeStylesList,
	ScopeDatasetDocuments: ScopeDatasetsList,
}

// Scopes is a set of selected scopes.
type Scopes map[Scope]bool

// NewScopes builds a normalized set: no scopes selects everything, and an
// artifact scope also selects the listing it depends on.
func NewScopes(selected ...Scope) Scopes {
	s := make(Scopes, len(AllScopes()))
	if len(selected) == 0 {
		for _, scope := range AllScopes() {
			s[scope] = true
		}
		return s
	}

	for _, scope := range selected {
		s[scope] = true
		if list, ok := impliedBy[scope]; ok {
			s[list] = true
		}
	}
	return s
}

// ParseScopes validates scope names and returns the normalized set.
func ParseScopes(names []string) (Scopes, error) {
	known := make(map[Scope]bool)
	for _, scope := range AllScopes() {
		known[scope] = true
	}

	selected := make([]Scope, 0, len(names))
	for _, name := range names {
		scope := Scope(strings.TrimPrefix(strings.TrimSpace(name), "--"))
		if !known[scope] {
			return nil, fmt.Errorf("unknown backup scope %q", name)
		}
		selected = append(selected, scope)
	}
	return NewScopes(selected...), nil
}

// Has reports whether scope is selected.
func (s Scopes) Has(scope Scope) bool {
	return s[scope]
}

// String lists the selected scopes, sorted.
func (s Scopes) String() string {
	names := make([]string, 0, len(s))
	for scope, on := range s {
		if on {
			names = append(names, string(scope))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
