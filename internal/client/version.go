package client

import (
	"context"
	"fmt"

	"github.com/zrepl/procmesh/internal/cli"
	"github.com/zrepl/procmesh/internal/version"
)

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version of procmesh binary",
	NoRequireConfig: true,
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		fmt.Println(version.NewVersionInformation().String())
		return nil
	},
}
