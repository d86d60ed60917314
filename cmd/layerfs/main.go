package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"tractor.dev/layerfs/internal/bootstrap"
	"tractor.dev/layerfs/internal/config"
	"tractor.dev/toolkit-go/engine"
	"tractor.dev/toolkit-go/engine/cli"
)

func main() {
	engine.Run(Main{})
}

type Main struct{}

func (m *Main) InitializeCLI(root *cli.Command) {
	root.Usage = "layerfs"
	root.AddCommand(lsCmd())
	root.AddCommand(catCmd())
	root.AddCommand(putCmd())
	root.AddCommand(mkdirCmd())
	root.AddCommand(rmCmd())
	root.AddCommand(mvCmd())
	root.AddCommand(statCmd())
	root.AddCommand(treeCmd())
	root.AddCommand(findCmd())
	root.AddCommand(envCmd())
	root.AddCommand(shellCmd())
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// configPath is set by the --config flag every command carries.
var configPath string

func withConfig(cmd *cli.Command) *cli.Command {
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("LAYERFS_CONFIG"), "namespace config file")
	return cmd
}

func loadConfig() *config.Config {
	if configPath == "" {
		return config.Default()
	}
	return config.MustLoad(configPath)
}

// open builds the configured namespace. The caller closes it so
// snapshots are written back.
func open(ctx context.Context) *bootstrap.Namespace {
	log.SetFlags(0)
	cfg := loadConfig()
	level, err := cfg.Level()
	fatal(err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	n, err := bootstrap.Build(ctx, cfg, logger)
	fatal(err)
	return n
}
