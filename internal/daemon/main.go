package daemon

import (
	"context"

	"github.com/zrepl/procmesh/internal/cli"
	"github.com/zrepl/procmesh/internal/logger"
)

type Logger = logger.Logger

var DaemonCmd = &cli.Subcommand{
	Use:   "daemon",
	Short: "run a procmesh node",
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return Run(ctx, subcommand.Config())
	},
}
