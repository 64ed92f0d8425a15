package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const scaffoldConfig = `name = "my-worker"
main = "src/index.js"
compatibility_date = "2026-08-28"

[vars]
GREETING = "hello from flaredeck"

# [[kv_namespaces]]
# binding = "CACHE"
# id = "cache"

# [[d1_databases]]
# binding = "DB"
# database_name = "app"
`

const scaffoldWorker = `export default {
  async fetch(request, env) {
    const url = new URL(request.url);
    if (url.pathname === "/") {
      return new Response(env.GREETING + "\n");
    }
    return new Response("not found\n", { status: 404 });
  },
};
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a wrangler.toml and a hello-world worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
				return err
			}

			files := map[string]string{
				filepath.Join(dir, "wrangler.toml"):   scaffoldConfig,
				filepath.Join(dir, "src", "index.js"): scaffoldWorker,
			}
			for path := range files {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, refusing to overwrite", path)
				}
			}
			for path, content := range files {
				if err := os.WriteFile(path, []byte(content), 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run: flaredeck dev", dir)
			return nil
		},
	}
}
