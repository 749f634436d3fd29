package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/app"
	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/search"
)

// filterFlags are shared by the search subcommands.
type filterFlags struct {
	item       string
	items      []string
	groups     []string
	strategies []string
	providers  []string
	versions   []string
	limit      int
	weights    map[string]string
	stats      bool
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&ff.item, "item", "", "restrict to one item")
	f.StringSliceVar(&ff.items, "items", nil, "restrict to these items")
	f.StringSliceVarP(&ff.groups, "group", "g", nil, "search these groups (repeatable)")
	f.StringSliceVarP(&ff.strategies, "strategy", "s", nil, "chunking strategy (repeatable)")
	f.StringSliceVar(&ff.providers, "provider", nil, "embedding provider (repeatable)")
	f.StringSliceVar(&ff.versions, "chunk-version", nil, "chunk version label (repeatable)")
	f.IntVarP(&ff.limit, "limit", "n", 0, "maximum results (0 = configured default)")
	f.StringToStringVarP(&ff.weights, "weight", "w", nil, "group weight as group=weight (repeatable)")
	f.BoolVar(&ff.stats, "stats", false, "print search metrics after the results")
}

func (ff *filterFlags) filter() *search.SearchFilter {
	return &search.SearchFilter{
		ItemID:             ff.item,
		ItemIDs:            ff.items,
		Groups:             ff.groups,
		ChunkingStrategies: ff.strategies,
		EmbeddingProviders: ff.providers,
		Versions:           ff.versions,
		Limit:              ff.limit,
	}
}

// parseWeights converts group=weight pairs.
func parseWeights(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for group, v := range raw {
		w, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || w < 0 {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid weight %q for group %s", v, group))
		}
		out[group] = w
	}
	return out, nil
}

// parseVector accepts comma or whitespace separated floats.
func parseVector(s string) ([]float32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '[' || r == ']'
	})
	if len(fields) == 0 {
		return nil, errors.InvalidArgument("query vector is empty")
	}
	vec := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("invalid vector component %d: %q", i, f))
		}
		vec[i] = float32(v)
	}
	return vec, nil
}

// readVectorFile reads a JSON array of numbers.
func readVectorFile(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NotFound("vector file", path)
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("vector file %s: %v", path, err))
	}
	return vec, nil
}

func newSearchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search chunks by text or by vector similarity",
	}
	cmd.AddCommand(
		newSearchTextCmd(c),
		newSearchSimilarCmd(c),
	)
	return cmd
}

func newSearchTextCmd(c *cli) *cobra.Command {
	var (
		ff        filterFlags
		dedupe    bool
		dedupeMin float64
		sortBy    string
		order     string
	)
	cmd := &cobra.Command{
		Use:   "text [query]",
		Short: "Filter, deduplicate and sort chunks",
		Long: `Filter, deduplicate and sort chunks.

The optional query is matched against title and content. Without --sort,
results keep relevance order, or group priority when --weight is given.
Store failures degrade to an empty result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			weights, err := parseWeights(ff.weights)
			if err != nil {
				return err
			}
			opts := search.SearchOptions{
				Weights:         weights,
				SortBy:          search.SortField(sortBy),
				SortOrder:       search.SortOrder(order),
				Deduplicate:     dedupe,
				DedupeThreshold: dedupeMin,
			}
			switch opts.SortBy {
			case search.SortRelevance, search.SortTitle, search.SortCreatedAt, search.SortUpdatedAt:
			default:
				return errors.InvalidArgument(fmt.Sprintf("unknown sort field %q", sortBy))
			}
			if opts.SortOrder != search.SortAsc && opts.SortOrder != search.SortDesc {
				return errors.InvalidArgument(fmt.Sprintf("unknown sort order %q", order))
			}
			filter := ff.filter()
			if len(args) == 1 {
				filter.Query = args[0]
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chunks, err := a.Engine.SearchChunksAdvanced(cmd.Context(), filter, opts)
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewChunks(chunks))
			}
			c.out(cmd).Chunks(chunks)
			c.printStats(cmd, a, ff.stats)
			return nil
		},
	}
	ff.register(cmd)
	f := cmd.Flags()
	f.BoolVar(&dedupe, "dedupe", false, "drop near-duplicate content")
	f.Float64Var(&dedupeMin, "dedupe-threshold", 0, "Jaccard overlap treated as duplicate (0 = configured default)")
	f.StringVar(&sortBy, "sort", "", "sort field: title, createdAt or updatedAt")
	f.StringVar(&order, "order", string(search.SortAsc), "sort order: asc or desc")
	return cmd
}

func newSearchSimilarCmd(c *cli) *cobra.Command {
	var (
		ff         filterFlags
		vector     string
		vectorFile string
		threshold  float64
		fuse       bool
		perGroup   int
	)
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Rank chunks by similarity to a query vector",
		Long: `Rank chunks by similarity to a query vector.

With --fuse every resolved group is queried separately and the lists are
merged with weighted Reciprocal Rank Fusion. A group that fails or times out
contributes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				vec []float32
				err error
			)
			switch {
			case vector != "" && vectorFile != "":
				return errors.InvalidArgument("use either --vector or --vector-file")
			case vectorFile != "":
				vec, err = readVectorFile(vectorFile)
			default:
				vec, err = parseVector(vector)
			}
			if err != nil {
				return err
			}
			weights, err := parseWeights(ff.weights)
			if err != nil {
				return err
			}
			filter := ff.filter()
			if cmd.Flags().Changed("threshold") {
				filter.SimilarityThreshold = search.Threshold(threshold)
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var results []search.Result
			if fuse || len(weights) > 0 || perGroup > 0 {
				results, err = a.Engine.FindSimilarAcrossGroups(cmd.Context(), vec, filter, search.SearchOptions{
					Weights:            weights,
					RankFusion:         fuse,
					MaxResultsPerGroup: perGroup,
				})
			} else {
				results, err = a.Engine.FindSimilar(cmd.Context(), vec, filter)
			}
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewResults(results))
			}
			c.out(cmd).Results(results)
			c.printStats(cmd, a, ff.stats)
			return nil
		},
	}
	ff.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&vector, "vector", "v", "", "query vector, e.g. \"0.1,0.2,0.3\"")
	f.StringVar(&vectorFile, "vector-file", "", "JSON file holding the query vector")
	f.Float64Var(&threshold, "threshold", 0, "minimum cosine similarity in [-1,1]")
	f.BoolVar(&fuse, "fuse", false, "merge per-group results with weighted RRF")
	f.IntVar(&perGroup, "per-group", 0, "results taken from each group before fusion")
	return cmd
}

func (c *cli) printStats(cmd *cobra.Command, a *app.App, enabled bool) {
	if !enabled {
		return
	}
	out := c.out(cmd)
	out.Newline()
	out.Metrics(*a.Metrics.Snapshot())
}
