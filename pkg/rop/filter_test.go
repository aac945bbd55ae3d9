package rop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagFilter(t *testing.T) {
	tests := []struct {
		expr string
		tag  string
		want bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"", "anything", true},
		{"TagA", "TagA", true},
		{"TagA", "TagB", false},
		{"TagA||TagB||TagC", "TagB", true},
		{"TagA||TagB", "TagD", false},
		{" TagA || TagB ", "TagB", true},
	}
	for _, tt := range tests {
		f, err := ParseFilter(ExpressionTag, tt.expr)
		require.NoError(t, err)
		require.Equal(t, tt.want, f.Match(tt.tag, nil), "expr %q tag %q", tt.expr, tt.tag)
	}
}

func TestSQLFilter(t *testing.T) {
	props := map[string]string{
		"region": "eu",
		"price":  "42",
		"color":  "blue",
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"region = 'eu'", true},
		{"region = 'us'", false},
		{"region <> 'us'", true},
		{"price > 10", true},
		{"price > 100", false},
		{"price >= 42 AND region = 'eu'", true},
		{"price < 42 OR color = 'blue'", true},
		{"NOT (region = 'us')", true},
		{"region = 'eu' AND (price < 10 OR color = 'blue')", true},
		{"missing IS NULL", true},
		{"region IS NULL", false},
		{"region IS NOT NULL", true},
		// Comparison against an absent property is an evaluation error:
		// the message is dropped.
		{"missing = 'x'", false},
		{"missing > 3 OR region = 'eu'", false},
	}
	for _, tt := range tests {
		f, err := ParseFilter(ExpressionSQL, tt.expr)
		require.NoError(t, err, "expr %q", tt.expr)
		require.Equal(t, tt.want, f.Match("", props), "expr %q", tt.expr)
	}
}

func TestSQLFilterParseErrors(t *testing.T) {
	for _, expr := range []string{
		"region =",
		"= 'eu'",
		"region = 'eu' AND",
		"(region = 'eu'",
		"region LIKE 'e%'",
		"region = 'eu' trailing",
		"region = 'unterminated",
	} {
		_, err := ParseFilter(ExpressionSQL, expr)
		require.Error(t, err, "expr %q", expr)
	}
}

func TestParseFilterUnknownType(t *testing.T) {
	_, err := ParseFilter("XPATH", "whatever")
	require.Error(t, err)
}
