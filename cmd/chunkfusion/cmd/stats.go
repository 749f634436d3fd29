package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/store"
)

type overviewView struct {
	Backend       string      `json:"backend"`
	Groups        int         `json:"groups"`
	Fallback      string      `json:"fallbackStrategy"`
	DefaultGroups []groupView `json:"defaultGroups"`
	GroupStats    []statsView `json:"groupStats"`
	Breaker       string      `json:"breaker"`
}

func newStatsCmd(c *cli) *cobra.Command {
	var item string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store and group statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.Registry.ListGroups(ctx, store.GroupQuery{ItemID: item, PageSize: maxStatsGroups})
			if err != nil {
				return err
			}
			view := overviewView{
				Backend:       a.Config.Storage.Backend,
				Groups:        page.TotalSize,
				Fallback:      a.Registry.Defaults().Fallback(),
				DefaultGroups: viewGroups(a.Registry.Defaults().All()),
				Breaker:       a.Breaker.State().String(),
			}
			for _, g := range page.Groups {
				s, err := a.Registry.GroupStats(ctx, g.ID)
				if err != nil {
					return err
				}
				view.GroupStats = append(view.GroupStats, viewStats(s))
			}

			out := c.out(cmd)
			if c.json() {
				return out.JSON(view)
			}
			out.Status("📦", fmt.Sprintf("backend %s, %d groups, fallback strategy %s, store breaker %s",
				view.Backend, view.Groups, view.Fallback, view.Breaker))
			out.Newline()
			out.Groups(a.Registry.Defaults().All())
			out.Newline()
			rows := make([][]string, 0, len(view.GroupStats))
			for _, s := range view.GroupStats {
				rows = append(rows, []string{
					s.GroupID,
					fmt.Sprint(s.ChunkCount),
					fmt.Sprintf("%.1f", s.AverageChunkSize),
					s.AverageProcessingDuration,
				})
			}
			out.Table([]string{"GROUP", "CHUNKS", "AVG SIZE", "AVG PROCESSING"}, rows)
			if page.NextPageToken != "" {
				out.Status("", fmt.Sprintf("showing %d of %d groups", len(page.Groups), page.TotalSize))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "only groups of this item")
	return cmd
}

// maxStatsGroups bounds the per-group statistics computed by one stats call.
const maxStatsGroups = 200
