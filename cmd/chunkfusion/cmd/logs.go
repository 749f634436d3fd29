package cmd

import (
	"fmt"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/logging"
	"github.com/Aman-CERP/chunkfusion/internal/output"
)

func newLogsCmd(c *cli) *cobra.Command {
	var (
		lines   int
		follow  bool
		level   string
		event   string
		pattern string
		file    string
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View chunkfusion log files",
		Long: `View chunkfusion log files.

Reads the file set by logging.file, or the default log path used by --debug.

Examples:
  chunkfusion logs                          # last 50 lines
  chunkfusion logs -f                       # follow
  chunkfusion logs --level warn             # warnings and errors
  chunkfusion logs --event fusion_group_failed
  chunkfusion logs --grep "group=default-h1"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" && c.cfg != nil {
				file = c.cfg.Logging.File
			}
			path, err := logging.FindLogFile(file)
			if err != nil {
				return errors.Wrap(errors.ErrCodeNotFound, err)
			}

			cfg := logging.ViewerConfig{
				Level:   level,
				Event:   event,
				NoColor: noColor || output.NoColor() || !output.IsTTY(cmd.OutOrStdout()),
			}
			if level != "" && !logging.ValidLevel(level) {
				return errors.InvalidArgument(fmt.Sprintf("unknown log level %q", level))
			}
			if pattern != "" {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return errors.InvalidArgument(fmt.Sprintf("invalid pattern: %v", err))
				}
				cfg.Pattern = re
			}
			viewer := logging.NewViewer(cfg, cmd.OutOrStdout())

			entries, err := viewer.Tail(path, lines)
			if err != nil {
				return err
			}
			viewer.Print(entries)
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ch := make(chan logging.LogEntry, 64)
			done := make(chan error, 1)
			go func() {
				done <- viewer.Follow(ctx, path, ch)
				close(ch)
			}()
			for entry := range ch {
				viewer.Print([]logging.LogEntry{entry})
			}
			return <-done
		},
	}
	f := cmd.Flags()
	f.IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	f.BoolVarP(&follow, "follow", "f", false, "follow new entries")
	f.StringVarP(&level, "level", "l", "", "minimum level: debug, info, warn or error")
	f.StringVar(&event, "event", "", "only this event, e.g. fusion_group_failed")
	f.StringVarP(&pattern, "grep", "g", "", "only lines matching this regular expression")
	f.StringVar(&file, "file", "", "log file (default: logging.file or the default log path)")
	f.BoolVar(&noColor, "no-color", false, "disable colors")
	return cmd
}
