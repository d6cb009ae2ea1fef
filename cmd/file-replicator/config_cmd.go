package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [SRC_DIR DEST_PARENT_DIR -- CONNECTION_COMMAND...]",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration that results from the defaults, the config file,
FILE_REPLICATOR_* environment variables and the flags. Paths are not validated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args, false)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if cfg.Path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "# "+cfg.Path)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
