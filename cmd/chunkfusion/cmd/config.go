package cmd

import (
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/chunkfusion/internal/config"
	"github.com/Aman-CERP/chunkfusion/internal/errors"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
		Long: `Inspect and manage configuration.

Configuration is layered: built-in defaults, the user config, the project
.chunkfusion.yaml in --dir, a .env file in --dir, then CHUNKFUSION_*
environment variables.`,
	}
	cmd.AddCommand(
		newConfigShowCmd(c),
		newConfigPathCmd(),
		newConfigInitCmd(c),
		newConfigBackupsCmd(c),
		newConfigRestoreCmd(c),
	)
	return cmd
}

func newConfigShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.json() {
				return c.out(cmd).JSON(c.cfg)
			}
			data, err := yaml.Marshal(c.cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigInitCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a user config with the built-in defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := c.out(cmd)
			path := config.GetUserConfigPath()
			backup, err := config.WriteUserConfig(config.NewConfig(), force)
			if stderrors.Is(err, config.ErrUserConfigExists) {
				return errors.Conflict(fmt.Sprintf("%s already exists, use --force to overwrite", path))
			}
			if err != nil {
				return err
			}
			if backup != "" {
				out.Status("💾", "backed up previous config to "+backup)
			}
			out.Successf("wrote %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing user config after backing it up")
	return cmd
}

func newConfigBackupsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List user config backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			out := c.out(cmd)
			if c.json() {
				if backups == nil {
					backups = []string{}
				}
				return out.JSON(backups)
			}
			if len(backups) == 0 {
				out.Status("", "no backups")
				return nil
			}
			for _, b := range backups {
				out.Status("", b)
			}
			return nil
		},
	}
}

func newConfigRestoreCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup>",
		Short: "Restore the user config from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return errors.ConfigError(err.Error(), err)
			}
			c.out(cmd).Successf("restored %s", config.GetUserConfigPath())
			return nil
		},
	}
}
