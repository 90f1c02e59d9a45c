package genai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/research"
)

func TestParseEnrichment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantSum   string
		wantFlags []research.BiasFlag
		wantErr   bool
	}{
		{
			name:      "plain json",
			raw:       `{"summary":"Covers Baltic trade.","bias_flags":["colonial","regional"]}`,
			wantSum:   "Covers Baltic trade.",
			wantFlags: []research.BiasFlag{research.BiasColonial, research.BiasRegional},
		},
		{
			name:    "fenced json",
			raw:     "```json\n{\"summary\":\"S\",\"bias_flags\":[]}\n```",
			wantSum: "S",
		},
		{
			name:      "unknown flags dropped",
			raw:       `{"summary":"S","bias_flags":["colonial","sparkly"]}`,
			wantSum:   "S",
			wantFlags: []research.BiasFlag{research.BiasColonial},
		},
		{
			name:    "prose is an error",
			raw:     "The sources describe trade routes.",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseEnrichment(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantSum, got.Summary)
			require.Equal(t, tc.wantFlags, got.BiasFlags)
		})
	}
}

func TestBuildPromptTruncatesExcerpts(t *testing.T) {
	t.Parallel()

	docs := []research.ScoredDocument{{
		Title:      "Long Source",
		SourceType: research.SourceArchive,
		Text:       strings.Repeat("word ", 500),
	}}
	prompt := buildPrompt("some query", docs)
	require.Contains(t, prompt, "some query")
	require.Contains(t, prompt, "Long Source")
	require.Less(t, len(prompt), 4000)
}
