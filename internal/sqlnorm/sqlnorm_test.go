package sqlnorm

import "testing"

func TestNormalizeStripsCommentsAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "line comment",
			query: "SELECT 1 -- trailing comment\nFROM dual",
			want:  "SELECT 1 FROM dual",
		},
		{
			name:  "block comment",
			query: "SELECT /* inline */ 1",
			want:  "SELECT 1",
		},
		{
			name:  "collapsed whitespace",
			query: "SELECT   1,\n\t2",
			want:  "SELECT 1, 2",
		},
		{
			name:  "leading and trailing whitespace trimmed",
			query: "  SELECT 1  ",
			want:  "SELECT 1",
		},
	}

	var n Normalizer
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.query)
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}
