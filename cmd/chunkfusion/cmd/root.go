// Package cmd provides the CLI commands for chunkfusion.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/chunkfusion/internal/app"
	"github.com/Aman-CERP/chunkfusion/internal/config"
	"github.com/Aman-CERP/chunkfusion/internal/errors"
	"github.com/Aman-CERP/chunkfusion/internal/logging"
	"github.com/Aman-CERP/chunkfusion/internal/output"
	"github.com/Aman-CERP/chunkfusion/internal/profiling"
	"github.com/Aman-CERP/chunkfusion/pkg/version"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// cli carries state shared by every subcommand of one invocation.
type cli struct {
	dir      string
	format   string
	logLevel string
	debug    bool
	profile  profiling.Options

	cfg            *config.Config
	logger         *slog.Logger
	loggingCleanup func()
	prof           *profiling.Session
}

// NewRootCmd creates the root command for the chunkfusion CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *cli) {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "chunkfusion",
		Short: "Multi-strategy chunk search with rank fusion",
		Long: `chunkfusion stores text chunks produced by several chunking and
embedding pipelines ("groups") and searches them by text or vector,
fusing per-group rankings with weighted reciprocal rank fusion.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/chunkfusion/config.yaml)
  3. Project config (.chunkfusion.yaml)
  4. Environment variables (CHUNKFUSION_*, also read from .env)`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.start,
	}
	cmd.SetVersionTemplate("chunkfusion version {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&c.dir, "dir", "C", ".", "Project directory holding .chunkfusion.yaml and .env")
	flags.StringVarP(&c.format, "format", "o", formatText, "Output format: text, json")
	flags.StringVar(&c.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	flags.BoolVar(&c.debug, "debug", false, "Log at debug level to "+logging.DefaultLogPath())
	flags.StringVar(&c.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	flags.StringVar(&c.profile.Heap, "profile-mem", "", "Write heap profile to file")
	flags.StringVar(&c.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newGroupsCmd(c))
	cmd.AddCommand(newChunksCmd(c))
	cmd.AddCommand(newSearchCmd(c))
	cmd.AddCommand(newStatsCmd(c))
	cmd.AddCommand(newConfigCmd(c))
	cmd.AddCommand(newLogsCmd(c))
	cmd.AddCommand(newVersionCmd())

	return cmd, c
}

// Execute runs the root command.
func Execute() error {
	cmd, c := newRoot()
	return c.execute(context.Background(), cmd)
}

// ExitCode maps a command error to the process exit status: 2 for usage
// and configuration errors, 3 when the store is unreachable, else 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.GetCategory(err) == errors.CategoryValidation,
		errors.GetCategory(err) == errors.CategoryConfig:
		return 2
	case errors.GetCategory(err) == errors.CategoryNetwork:
		return 3
	default:
		return 1
	}
}

// execute runs cmd, reports a failure on stderr and releases profiling and
// logging resources even when the command fails.
func (c *cli) execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		c.logFailure(cmd, err)
	}
	c.stop()
	if err != nil {
		c.report(cmd, err)
	}
	return err
}

// logFailure records err in the log; fatal errors at error level.
func (c *cli) logFailure(cmd *cobra.Command, err error) {
	if c.logger == nil {
		return
	}
	level := slog.LevelDebug
	if errors.IsFatal(err) {
		level = slog.LevelError
	}
	attrs := []any{slog.String("command", cmd.CommandPath())}
	for k, v := range errors.FormatForLog(err) {
		attrs = append(attrs, slog.Any(k, v))
	}
	c.logger.Log(context.Background(), level, "command_failed", attrs...)
}

// report prints err on stderr: JSON under --format json, with details and
// cause under --debug, else the short CLI form.
func (c *cli) report(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()
	switch {
	case c.json():
		data, jerr := errors.FormatJSON(err)
		if jerr == nil {
			_, _ = fmt.Fprintln(w, string(data))
			return
		}
	case c.debug:
		output.New(w).Error(errors.FormatForUser(err, true))
		return
	}
	output.New(w).Error(strings.TrimRight(errors.FormatForCLI(err), "\n"))
}

func (c *cli) start(cmd *cobra.Command, _ []string) error {
	if c.format != formatText && c.format != formatJSON {
		return errors.InvalidArgument(fmt.Sprintf("unknown format %q, use text or json", c.format))
	}

	if c.profile.Enabled() {
		s, err := profiling.Start(c.profile)
		if err != nil {
			return err
		}
		c.prof = s
	}

	cfg, err := config.Load(c.dir)
	if err != nil {
		// config subcommands still get defaults so a broken file can be replaced
		if !isConfigCmd(cmd) {
			return errors.ConfigError(err.Error(), err)
		}
		cfg = config.NewConfig()
	}
	c.cfg = cfg

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.File == "",
		Stderr:        cmd.ErrOrStderr(),
	}
	if c.logLevel != "" {
		if !logging.ValidLevel(c.logLevel) {
			return errors.InvalidArgument(fmt.Sprintf("unknown log level %q", c.logLevel))
		}
		logCfg.Level = c.logLevel
	}
	if c.debug {
		logCfg.Level = "debug"
		if logCfg.FilePath == "" {
			logCfg.FilePath = logging.DefaultLogPath()
			logCfg.WriteToStderr = false
		}
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	c.logger = logger
	c.loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func (c *cli) stop() {
	if c.prof != nil {
		if err := c.prof.Stop(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "profiling: %v\n", err)
		}
		c.prof = nil
	}
	if c.loggingCleanup != nil {
		c.loggingCleanup()
		c.loggingCleanup = nil
	}
}

func isConfigCmd(cmd *cobra.Command) bool {
	for p := cmd; p != nil; p = p.Parent() {
		if p.Name() == "config" && p.Parent() == cmd.Root() {
			return true
		}
	}
	return false
}

// open wires the configured backend. Callers must Close the result.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg, app.WithLogger(c.logger))
}

func (c *cli) out(cmd *cobra.Command) *output.Writer {
	return output.New(cmd.OutOrStdout())
}

func (c *cli) json() bool {
	return c.format == formatJSON
}
