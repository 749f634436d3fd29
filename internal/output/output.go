// Package output formats chunkfusion CLI output: status lines, group and
// result tables, and JSON.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/search"
	"github.com/Aman-CERP/chunkfusion/internal/store"
	"github.com/Aman-CERP/chunkfusion/internal/telemetry"
)

const snippetWidth = 72

// Palette (256-color codes).
const (
	colorLime     = "154"
	colorYellow   = "220"
	colorRed      = "196"
	colorDarkGray = "243"
)

type styles struct {
	header  lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:  r.NewStyle().Bold(true),
		success: r.NewStyle().Foreground(lipgloss.Color(colorLime)),
		warning: r.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		err:     r.NewStyle().Foreground(lipgloss.Color(colorRed)),
		dim:     r.NewStyle().Foreground(lipgloss.Color(colorDarkGray)),
	}
}

// Writer provides formatted output for CLI.
type Writer struct {
	out      io.Writer
	useColor bool
	styles   styles
}

// New creates a Writer. Color is enabled when out is a terminal and
// NO_COLOR is unset.
func New(out io.Writer) *Writer {
	w := &Writer{out: out, useColor: IsTTY(out) && !NoColor()}
	if w.useColor {
		w.styles = newStyles(lipgloss.NewRenderer(out))
	}
	return w
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NoColor reports whether the NO_COLOR environment variable is set.
func NoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// UseColor reports whether ANSI colors are written.
func (w *Writer) UseColor() bool { return w.useColor }

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) { w.Status("✅", w.paint(w.styles.success, msg)) }

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) { w.Success(fmt.Sprintf(format, args...)) }

// Warning prints a warning message.
func (w *Writer) Warning(msg string) { w.Status("⚠️ ", w.paint(w.styles.warning, msg)) }

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) { w.Warning(fmt.Sprintf(format, args...)) }

// Error prints an error message.
func (w *Writer) Error(msg string) { w.Status("❌", w.paint(w.styles.err, msg)) }

// Newline prints an empty line.
func (w *Writer) Newline() { _, _ = fmt.Fprintln(w.out) }

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// paint renders s with style when color is enabled.
func (w *Writer) paint(style lipgloss.Style, s string) string {
	if !w.useColor {
		return s
	}
	return style.Render(s)
}

func (w *Writer) dim(s string) string { return w.paint(w.styles.dim, s) }

// Table prints rows under a bold header with aligned columns.
func (w *Writer) Table(header []string, rows [][]string) {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()

	// style the header after alignment so escape codes don't skew widths
	first, rest, _ := strings.Cut(buf.String(), "\n")
	_, _ = fmt.Fprint(w.out, w.paint(w.styles.header, first)+"\n"+rest)
}

// Groups prints one row per group.
func (w *Writer) Groups(groups []*store.Group) {
	if len(groups) == 0 {
		w.Status("", "no groups")
		return
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			g.ID,
			orDash(g.ItemID),
			g.ChunkingStrategy,
			collection(g.EmbeddingConfig.CollectionKey()),
			yesNo(g.IsDefault),
			yesNo(g.IsActive),
		})
	}
	w.Table([]string{"ID", "ITEM", "STRATEGY", "COLLECTION", "DEFAULT", "ACTIVE"}, rows)
}

// Group prints one group's details.
func (w *Writer) Group(g *store.Group) {
	rows := [][]string{
		{"id", g.ID},
		{"item", orDash(g.ItemID)},
		{"name", g.Name},
		{"description", orDash(g.Description)},
		{"strategy", g.ChunkingStrategy},
		{"chunk size", fmt.Sprintf("%d..%d overlap %d", g.ChunkingConfig.MinChunkSize, g.ChunkingConfig.MaxChunkSize, g.ChunkingConfig.Overlap)},
		{"collection", collection(g.EmbeddingConfig.CollectionKey())},
		{"batch size", fmt.Sprint(g.EmbeddingConfig.BatchSize)},
		{"default", yesNo(g.IsDefault)},
		{"active", yesNo(g.IsActive)},
		{"tags", orDash(strings.Join(g.Tags, ", "))},
		{"created", formatTime(g.CreatedAt)},
		{"updated", formatTime(g.UpdatedAt)},
		{"created by", orDash(g.CreatedBy)},
	}
	w.Table([]string{"FIELD", "VALUE"}, rows)
}

// GroupStats prints aggregate statistics of one group.
func (w *Writer) GroupStats(s *registry.GroupStats) {
	w.Table([]string{"FIELD", "VALUE"}, [][]string{
		{"group", s.GroupID},
		{"chunks", fmt.Sprint(s.ChunkCount)},
		{"avg chunk size", fmt.Sprintf("%.1f", s.AverageChunkSize)},
		{"avg processing", s.AverageProcessingDuration.String()},
		{"oldest chunk", formatTime(s.OldestChunkCreatedAt)},
		{"newest update", formatTime(s.NewestChunkUpdatedAt)},
	})
}

// Chunks prints chunks in order with a content snippet.
func (w *Writer) Chunks(chunks []*store.Chunk) {
	if len(chunks) == 0 {
		w.Status("", "no results")
		return
	}
	rows := make([][]string, 0, len(chunks))
	for i, c := range chunks {
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			c.ItemID,
			fmt.Sprint(c.Index),
			c.GroupID,
			c.Title,
			w.dim(Snippet(c.Content, snippetWidth)),
		})
	}
	w.Table([]string{"#", "ITEM", "INDEX", "GROUP", "TITLE", "CONTENT"}, rows)
}

// Results prints ranked similarity results.
func (w *Writer) Results(results []search.Result) {
	if len(results) == 0 {
		w.Status("", "no results")
		return
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			fmt.Sprint(r.Rank),
			fmt.Sprintf("%.4f", r.Score),
			fmt.Sprintf("%.4f", r.Similarity),
			r.GroupID,
			fmt.Sprint(r.GroupRank),
			r.Chunk.ItemID,
			fmt.Sprint(r.Chunk.Index),
			w.dim(Snippet(r.Chunk.Content, snippetWidth)),
		})
	}
	w.Table([]string{"RANK", "SCORE", "SIMILARITY", "GROUP", "GROUP RANK", "ITEM", "INDEX", "CONTENT"}, rows)
}

// Metrics prints a telemetry snapshot.
func (w *Writer) Metrics(s telemetry.Snapshot) {
	rows := [][]string{
		{"since", formatTime(s.Since)},
		{"searches", fmt.Sprint(s.TotalSearches)},
		{"zero results", fmt.Sprintf("%d (%.1f%%)", s.ZeroResultCount, s.ZeroResultPercentage())},
		{"degraded", fmt.Sprint(s.DegradedCount)},
		{"partial fusions", fmt.Sprint(s.PartialFusionCount)},
	}
	for _, kind := range sortedKeys(s.KindCounts) {
		rows = append(rows, []string{"kind " + string(kind), fmt.Sprint(s.KindCounts[kind])})
	}
	for _, bucket := range sortedKeys(s.LatencyDistribution) {
		rows = append(rows, []string{"latency " + string(bucket), fmt.Sprint(s.LatencyDistribution[bucket])})
	}
	for _, f := range s.GroupFailures {
		rows = append(rows, []string{"failures " + f.GroupID, fmt.Sprint(f.Failures)})
	}
	w.Table([]string{"METRIC", "VALUE"}, rows)
}

// Snippet flattens whitespace and truncates s to width runes.
func Snippet(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}

func collection(k store.CollectionKey) string {
	return fmt.Sprintf("%s/%s/%d", k.Provider, k.Model, k.Dimension)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
