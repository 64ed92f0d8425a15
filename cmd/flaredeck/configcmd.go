package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryguy/flaredeck/internal/config"
)

func newConfigCmd() *cobra.Command {
	var flagConfig string

	cmd := &cobra.Command{
		Use:   "config [dir]",
		Short: "Print the parsed wrangler config as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			path := flagConfig
			if path == "" {
				var err error
				path, err = config.Discover(dir)
				if err != nil {
					return err
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config %s is invalid: %w", path, err)
			}

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the wrangler config file")
	return cmd
}
