package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScopes_EmptySelectsAll(t *testing.T) {
	s := NewScopes()

	for _, scope := range AllScopes() {
		assert.True(t, s.Has(scope), scope)
	}
}

func TestNewScopes_ArtifactImpliesList(t *testing.T) {
	tests := []struct {
		selected []Scope
		want     []Scope
	}{
		{[]Scope{ScopeStyleDocuments}, []Scope{ScopeStyleDocuments, ScopeStylesList}},
		{[]Scope{ScopeStyleSprites}, []Scope{ScopeStyleSprites, ScopeStylesList}},
		{[]Scope{ScopeDatasetDocuments}, []Scope{ScopeDatasetDocuments, ScopeDatasetsList}},
		{[]Scope{ScopeTokensList}, []Scope{ScopeTokensList}},
	}

	for _, tt := range tests {
		t.Run(string(tt.selected[0]), func(t *testing.T) {
			s := NewScopes(tt.selected...)

			assert.Len(t, s, len(tt.want))
			for _, scope := range tt.want {
				assert.True(t, s.Has(scope), scope)
			}
		})
	}
}

func TestParseScopes(t *testing.T) {
	s, err := ParseScopes([]string{"--style-sprites", "tokens-list"})
	require.NoError(t, err)
	assert.Equal(t, "style-sprites,styles-list,tokens-list", s.String())

	_, err = ParseScopes([]string{"fonts"})
	assert.Error(t, err)
}
