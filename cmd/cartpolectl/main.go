package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vecenv/internal/storage"
	cartpole "vecenv/pkg/cartpole"
)

const (
	envStore        = "CARTPOLE_STORE"
	envDBPath       = "CARTPOLE_DB_PATH"
	envArtifactsDir = "CARTPOLE_ARTIFACTS_DIR"
	envExportsDir   = "CARTPOLE_EXPORTS_DIR"
)

func main() {
	loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadDotEnv loads the first .env file found. Variables already set in the
// environment win.
func loadDotEnv() {
	for _, envFile := range []string{
		".env",
		"../.env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			return
		}
	}
}

type globalFlags struct {
	store        string
	dbPath       string
	artifactsDir string
	exportsDir   string
	quiet        bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "cartpolectl",
		Short:         "cartpolectl runs vectorized cart-pole environments and inspects the recorded runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.store, "store", envOr(envStore, storage.DefaultStoreKind), "store backend: memory|sqlite")
	flags.StringVar(&g.dbPath, "db-path", envOr(envDBPath, "vecenv.db"), "sqlite database path")
	flags.StringVar(&g.artifactsDir, "artifacts-dir", envOr(envArtifactsDir, "runs"), "run artifacts directory")
	flags.StringVar(&g.exportsDir, "exports-dir", envOr(envExportsDir, "exports"), "export output directory")
	flags.BoolVarP(&g.quiet, "quiet", "q", false, "suppress environment logs")

	root.AddCommand(
		newRunCmd(g),
		newRunsCmd(g),
		newEpisodesCmd(g),
		newRewardsCmd(g),
		newExportCmd(g),
		newTermsCmd(g),
		newTasksCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (g *globalFlags) client(cmd *cobra.Command) (*cartpole.Client, error) {
	var out io.Writer = cmd.ErrOrStderr()
	if g.quiet {
		out = io.Discard
	}
	return cartpole.New(cartpole.Options{
		StoreKind:    g.store,
		DBPath:       g.dbPath,
		ArtifactsDir: g.artifactsDir,
		ExportsDir:   g.exportsDir,
		Logger:       log.New(out, "", log.LstdFlags),
	})
}

// withClient opens a client for the duration of fn.
func (g *globalFlags) withClient(cmd *cobra.Command, fn func(*cartpole.Client) error) error {
	client, err := g.client(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return fn(client)
}
