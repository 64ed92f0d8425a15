package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/flaredeck/internal/devserver"
)

func newDevCmd() *cobra.Command {
	var (
		flagPort     int
		flagIP       string
		flagConfig   string
		flagDataDir  string
		flagOpen     bool
		flagPoolSize int
		flagNoWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "dev [dir]",
		Short: "Run the worker locally with the dashboard sidecar",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			server, err := devserver.New(devserver.Options{
				Dir:        dir,
				ConfigPath: flagConfig,
				DataDir:    flagDataDir,
				IP:         flagIP,
				Port:       flagPort,
				PoolSize:   flagPoolSize,
				Watch:      !flagNoWatch,
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if flagOpen {
				go func() {
					// The address is bound inside Run; poll until it is up.
					for server.Addr() == "" {
						select {
						case <-ctx.Done():
							return
						case <-time.After(50 * time.Millisecond):
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "dashboard: %s\n", server.DashboardURL())
				}()
			}

			logger.Info("starting dev session", zap.String("dir", dir))
			return server.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "port to listen on (default from config, else 8787)")
	cmd.Flags().StringVar(&flagIP, "ip", "", "address to bind (default from config, else 127.0.0.1)")
	cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the wrangler config file")
	cmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory for local binding state (default {dir}/.flaredeck)")
	cmd.Flags().BoolVar(&flagOpen, "open", false, "print the dashboard URL once serving")
	cmd.Flags().IntVar(&flagPoolSize, "pool-size", 0, "JS runtime pool size (default engine setting)")
	cmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "disable file watching and live reload")
	return cmd
}
