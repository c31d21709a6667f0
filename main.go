package main

import (
	"context"

	"github.com/zrepl/procmesh/internal/cli"
	"github.com/zrepl/procmesh/internal/client"
	"github.com/zrepl/procmesh/internal/daemon"
)

func init() {
	cli.AddSubcommand(daemon.DaemonCmd)
	cli.AddSubcommand(client.BrokerCmd)
	cli.AddSubcommand(client.DirectoryCmd)
	cli.AddSubcommand(client.ConfigcheckCmd)
	cli.AddSubcommand(client.VersionCmd)
}

func main() {
	cli.Run(context.Background())
}
