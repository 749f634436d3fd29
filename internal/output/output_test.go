package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/search"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

func TestWriter_StatusLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Success("group deleted")
	w.Warning("store degraded")
	w.Error("lookup failed")
	w.Status("", "indented")

	out := buf.String()
	assert.Contains(t, out, "✅ group deleted")
	assert.Contains(t, out, "⚠️")
	assert.Contains(t, out, "❌ lookup failed")
	assert.Contains(t, out, "   indented\n")
}

func TestNew_BufferHasNoColor(t *testing.T) {
	assert.False(t, New(&bytes.Buffer{}).UseColor())
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(nil))
}

func TestWriter_Groups(t *testing.T) {
	// Given: a default group and an item group
	buf := &bytes.Buffer{}
	w := New(buf)
	groups := []*store.Group{
		{ID: "default-h1", ChunkingStrategy: "h1", IsDefault: true, IsActive: true,
			EmbeddingConfig: store.EmbeddingConfig{Provider: "openai", Model: "small", Dimension: 1536}},
		{ID: "g-2", ItemID: "item-1", ChunkingStrategy: "paragraph",
			EmbeddingConfig: store.EmbeddingConfig{Provider: "local", Model: "mini", Dimension: 384}},
	}

	// When: printing them
	w.Groups(groups)

	// Then: one header and one row per group
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "openai/small/1536")
	assert.Regexp(t, `default-h1\s+-\s+h1`, lines[1])
	assert.Regexp(t, `g-2\s+item-1\s+paragraph\s+local/mini/384\s+no\s+no`, lines[2])
}

func TestWriter_EmptyLists(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Groups(nil)
	w.Chunks(nil)
	w.Results(nil)

	assert.Equal(t, "   no groups\n   no results\n   no results\n", buf.String())
}

func TestWriter_Results(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Results([]search.Result{{
		Chunk:      &store.Chunk{ItemID: "item-1", Index: 3, Content: "boot\nsequence   loads"},
		Similarity: 0.9,
		Score:      0.0295,
		Rank:       1,
		GroupRank:  2,
		GroupID:    "g1",
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^1\s+0\.0295\s+0\.9000\s+g1\s+2\s+item-1\s+3\s+boot sequence loads$`, lines[1])
}

func TestWriter_GroupAndStats(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	w.Group(&store.Group{ID: "g1", Name: "Headings", Tags: []string{"a", "b"}, CreatedAt: created})
	w.GroupStats(&registry.GroupStats{GroupID: "g1", ChunkCount: 4, AverageChunkSize: 12.5})

	out := buf.String()
	assert.Regexp(t, `tags\s+a, b`, out)
	assert.Regexp(t, `created\s+2026-03-04T05:06:07Z`, out)
	assert.Regexp(t, `updated\s+-`, out)
	assert.Regexp(t, `chunks\s+4`, out)
	assert.Regexp(t, `avg chunk size\s+12\.5`, out)
}

func TestWriter_Metrics(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Metrics(telemetry.Snapshot{
		TotalSearches:   4,
		ZeroResultCount: 1,
		KindCounts:      map[telemetry.SearchKind]int64{telemetry.KindFused: 3, telemetry.KindText: 1},
		GroupFailures:   []telemetry.GroupFailure{{GroupID: "g2", Failures: 2}},
	})

	out := buf.String()
	assert.Regexp(t, `zero results\s+1 \(25\.0%\)`, out)
	assert.Regexp(t, `failures g2\s+2`, out)
	assert.Contains(t, out, "kind "+string(telemetry.KindFused))
}

func TestWriter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}

	require.NoError(t, New(buf).JSON(map[string]int{"chunks": 2}))

	assert.JSONEq(t, `{"chunks":2}`, buf.String())
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"  spaced \n\t out  ", 20, "spaced out"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 2, "ab"},
		{"héllo wörld", 7, "héll..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Snippet(tt.in, tt.width), tt.in)
	}
}
