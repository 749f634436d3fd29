package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/store"
)

// maxRecordBytes bounds one JSONL record; embeddings make lines long.
const maxRecordBytes = 16 << 20

// chunkRecord is one line of a chunk import file.
type chunkRecord struct {
	ID            string            `json:"id"`
	ItemID        string            `json:"itemId"`
	GroupID       string            `json:"groupId"`
	Index         int               `json:"index"`
	Title         string            `json:"title"`
	Content       string            `json:"content"`
	Embedding     []float32         `json:"embedding"`
	ChunkType     string            `json:"chunkType"`
	StartPosition int               `json:"startPosition"`
	EndPosition   int               `json:"endPosition"`
	Version       string            `json:"version"`
	Extra         map[string]string `json:"extra"`
}

func (r chunkRecord) chunk() *store.Chunk {
	return &store.Chunk{
		ID:        r.ID,
		ItemID:    r.ItemID,
		GroupID:   r.GroupID,
		Index:     r.Index,
		Title:     r.Title,
		Content:   r.Content,
		Embedding: r.Embedding,
		Strategy:  store.StrategyMetadata{Version: r.Version},
		Metadata: store.ChunkMetadata{
			ChunkType:     r.ChunkType,
			StartPosition: r.StartPosition,
			EndPosition:   r.EndPosition,
			Extra:         r.Extra,
		},
	}
}

// readChunkRecords parses JSONL, skipping blank lines.
func readChunkRecords(r io.Reader) ([]*store.Chunk, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	var chunks []*store.Chunk
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var rec chunkRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("line %d: %v", line, err))
		}
		chunks = append(chunks, rec.chunk())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

func newChunksCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Import, list and update chunks",
	}
	cmd.AddCommand(
		newChunksImportCmd(c),
		newChunksListCmd(c),
		newChunksUpdateCmd(c),
	)
	return cmd
}

func newChunksImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl|->",
		Short: "Import pre-embedded chunks from a JSONL file",
		Long: `Import pre-embedded chunks from a JSONL file, one chunk per line.

Each record carries groupId, index, content and embedding; itemId defaults to
the group's item. The batch is validated as a whole and nothing is written
when any record is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.NotFound("chunk file", args[0])
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			chunks, err := readChunkRecords(in)
			if err != nil {
				return err
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			written, err := a.Registry.InsertChunks(cmd.Context(), chunks)
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(map[string]int{"imported": len(written)})
			}
			c.out(cmd).Successf("imported %d chunks", len(written))
			return nil
		},
	}
}

func newChunksListCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <item-id>",
		Short: "List an item's chunks in position order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chunks, err := a.Engine.GetChunksByItemID(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(viewChunks(chunks))
			}
			c.out(cmd).Chunks(chunks)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum chunks (0 = configured default)")
	return cmd
}

func newChunksUpdateCmd(c *cli) *cobra.Command {
	var (
		groupID                   string
		title, chunkType, version string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Patch every chunk of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch store.ChunkPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("chunk-type") {
				patch.ChunkType = &chunkType
			}
			if cmd.Flags().Changed("version") {
				patch.Version = &version
			}
			if patch.IsEmpty() {
				return errors.InvalidArgument("nothing to update: set --title, --chunk-type or --version")
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Registry.UpdateGroupChunks(cmd.Context(), groupID, patch)
			if err != nil {
				return err
			}
			if c.json() {
				return c.out(cmd).JSON(map[string]int{"updated": n})
			}
			c.out(cmd).Successf("updated %d chunks", n)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&groupID, "group", "", "group whose chunks are patched")
	f.StringVar(&title, "title", "", "new title")
	f.StringVar(&chunkType, "chunk-type", "", "new chunk type")
	f.StringVar(&version, "version", "", "new version label")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
