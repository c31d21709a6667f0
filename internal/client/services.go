package client

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/zrepl/procmesh/internal/broker"
	"github.com/zrepl/procmesh/internal/cli"
	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/daemon/logging"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/directory/zmqdir"
	"github.com/zrepl/procmesh/internal/logger"
)

var brokerArgs struct {
	xsub, xpub string
}

var BrokerCmd = &cli.Subcommand{
	Use:             "broker",
	Short:           "run the ZeroMQ pub/sub forwarding proxy",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&brokerArgs.xsub, "xsub", "tcp://*:5557", "endpoint publishers connect to")
		f.StringVar(&brokerArgs.xpub, "xpub", "tcp://*:5558", "endpoint subscribers connect to")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		ctx, cancel, err := serviceContext(ctx, subcommand.Config())
		if err != nil {
			return err
		}
		defer cancel()
		return ignoreCanceled(broker.New(brokerArgs.xsub, brokerArgs.xpub).Serve(ctx))
	},
}

var directoryArgs struct {
	listen string
}

var DirectoryCmd = &cli.Subcommand{
	Use:             "directory",
	Short:           "run an in-memory membership directory served over ZeroMQ",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&directoryArgs.listen, "listen", "tcp://*:5550", "REP endpoint to bind")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		ctx, cancel, err := serviceContext(ctx, subcommand.Config())
		if err != nil {
			return err
		}
		defer cancel()
		srv := zmqdir.NewServer(directoryArgs.listen, directory.NewMemory())
		return ignoreCanceled(srv.Serve(ctx))
	},
}

// serviceContext sets up logging from conf, if one could be parsed, and
// cancels the returned context on SIGINT or SIGTERM.
func serviceContext(ctx context.Context, conf *config.Config) (context.Context, context.CancelFunc, error) {
	var outlets *logger.Outlets
	var err error
	if conf != nil {
		outlets, err = logging.OutletsFromConfig(*conf.Global.Logging)
	} else {
		outlets, err = logging.OutletsFromConfig(nil)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot build logging from config")
	}
	log := logger.NewLogger(outlets, 1*time.Second)
	ctx = logging.WithSubsystemLoggers(ctx, logging.SubsystemLoggersWithUniversalLogger(log))
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, nil
}

func ignoreCanceled(err error) error {
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}
