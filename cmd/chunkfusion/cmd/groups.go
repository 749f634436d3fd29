package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

func newGroupsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage chunk groups",
		Long: `Manage chunk groups.

A group is one (chunking strategy, embedding config) pipeline applied to an
item. Default groups have no item and serve any item that has no groups of
its own.`,
	}
	cmd.AddCommand(
		newGroupsListCmd(c),
		newGroupsGetCmd(c),
		newGroupsCreateCmd(c),
		newGroupsDeleteCmd(c),
		newGroupsStatsCmd(c),
		newGroupsAvailableCmd(c),
	)
	return cmd
}

func newGroupsListCmd(c *cli) *cobra.Command {
	var (
		q       store.GroupQuery
		orderBy string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			q.OrderBy = store.GroupOrder(orderBy)
			page, err := a.Registry.ListGroups(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := c.out(cmd)
			if c.json() {
				return out.JSON(groupPageView{
					Groups:        viewGroups(page.Groups),
					NextPageToken: page.NextPageToken,
					TotalSize:     page.TotalSize,
				})
			}
			out.Groups(page.Groups)
			if page.NextPageToken != "" {
				out.Newline()
				out.Status("", "next page: --page-token "+page.NextPageToken)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.ItemID, "item", "", "only groups of this item")
	f.StringVar(&q.ChunkingStrategy, "strategy", "", "only groups using this chunking strategy")
	f.BoolVar(&q.DefaultOnly, "defaults", false, "only default groups")
	f.StringVar(&q.TextFilter, "text", "", "substring match on name and description")
	f.StringVar(&orderBy, "order-by", string(store.OrderByCreatedAt), "sort field: createdAt or name")
	f.IntVar(&q.PageSize, "page-size", 0, "groups per page (0 = server default)")
	f.StringVar(&q.PageToken, "page-token", "", "token from a previous page")
	return cmd
}

func newGroupsGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <group-id>",
		Short: "Show one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.Registry.GetGroupByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewGroup(g))
			}
			c.out(cmd).Group(g)
			return nil
		},
	}
}

func newGroupsCreateCmd(c *cli) *cobra.Command {
	var (
		gc   registry.GroupConfig
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			gc.Tags = tags
			g, err := a.Registry.CreateGroup(cmd.Context(), gc)
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewGroup(g))
			}
			c.out(cmd).Successf("created group %s", g.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&gc.ID, "id", "", "group id (default: generated)")
	f.StringVar(&gc.ItemID, "item", "", "item the group belongs to")
	f.StringVar(&gc.Name, "name", "", "display name")
	f.StringVar(&gc.Description, "description", "", "free-form description")
	f.StringVar(&gc.ChunkingStrategy, "strategy", "", "chunking strategy, e.g. h1 or paragraph")
	f.IntVar(&gc.ChunkingConfig.MaxChunkSize, "max-chunk", 0, "maximum chunk size")
	f.IntVar(&gc.ChunkingConfig.MinChunkSize, "min-chunk", 0, "minimum chunk size")
	f.IntVar(&gc.ChunkingConfig.Overlap, "overlap", 0, "chunk overlap")
	f.StringVar(&gc.EmbeddingConfig.Provider, "provider", "", "embedding provider")
	f.StringVar(&gc.EmbeddingConfig.Model, "model", "", "embedding model")
	f.IntVar(&gc.EmbeddingConfig.Dimension, "dimension", 0, "embedding dimension")
	f.IntVar(&gc.EmbeddingConfig.BatchSize, "batch-size", 0, "embedding batch size")
	f.BoolVar(&gc.IsDefault, "default", false, "mark as a default group")
	f.StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	f.StringVar(&gc.CreatedBy, "created-by", "", "creator recorded on the group")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newGroupsDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete a group and all of its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Registry.DeleteGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(map[string]any{
					"deletedGroupId":    res.DeletedGroupID,
					"deletedChunkCount": res.DeletedChunkCount,
				})
			}
			c.out(cmd).Successf("deleted group %s (%d chunks)", res.DeletedGroupID, res.DeletedChunkCount)
			return nil
		},
	}
}

func newGroupsStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <group-id>",
		Short: "Show chunk statistics of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.Registry.GroupStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewStats(s))
			}
			c.out(cmd).GroupStats(&s)
			return nil
		},
	}
}

func newGroupsAvailableCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "available <item-id>",
		Short: "List the groups holding chunks for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.Registry.AvailableGroups(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := c.out(cmd)
			if c.json() {
				return out.JSON(ids)
			}
			if len(ids) == 0 {
				out.Status("", "no groups")
				return nil
			}
			for _, id := range ids {
				out.Status("", id)
			}
			return nil
		},
	}
}
