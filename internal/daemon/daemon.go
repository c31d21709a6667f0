package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/zrepl/procmesh/internal/bus"
	busfromconfig "github.com/zrepl/procmesh/internal/bus/fromconfig"
	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/daemon/logging"
	"github.com/zrepl/procmesh/internal/directory"
	dirfromconfig "github.com/zrepl/procmesh/internal/directory/fromconfig"
	"github.com/zrepl/procmesh/internal/dispatch"
	"github.com/zrepl/procmesh/internal/logger"
	"github.com/zrepl/procmesh/internal/registry"
	"github.com/zrepl/procmesh/internal/router"
	"github.com/zrepl/procmesh/internal/session"
	"github.com/zrepl/procmesh/internal/version"
)

func Run(ctx context.Context, conf *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)

	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
	if err != nil {
		return errors.Wrap(err, "cannot build logging from config")
	}
	outlets.Add(newPrometheusLogOutlet(), logger.Debug)

	log := logger.NewLogger(outlets, 1*time.Second)
	log.Info(version.NewVersionInformation().String())

	loggers := logging.SubsystemLoggersWithUniversalLogger(log)
	ctx = logging.WithSubsystemLoggers(ctx, loggers)

	monitoring := make([]*prometheusJob, 0, len(conf.Global.Monitoring))
	for i, mc := range conf.Global.Monitoring {
		switch v := mc.Ret.(type) {
		case *config.PrometheusMonitoring:
			j, err := newPrometheusJobFromConfig(v)
			if err != nil {
				return errors.Wrapf(err, "cannot build monitoring job #%d", i)
			}
			monitoring = append(monitoring, j)
		default:
			return errors.Errorf("unknown monitoring job #%d (type %T)", i, v)
		}
	}

	// register global metrics
	version.PrometheusRegister(prometheus.DefaultRegisterer)
	bus.RegisterMetrics(prometheus.DefaultRegisterer)
	dispatch.RegisterMetrics(prometheus.DefaultRegisterer)
	router.RegisterMetrics(prometheus.DefaultRegisterer)

	m, err := newMeshNode(ctx, conf, bus.NewHub(), loggers)
	if err != nil {
		return err
	}
	defer m.close()

	log.WithField("process", m.node.Self()).Info("starting daemon")

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range monitoring {
		j := j
		g.Go(func() error { return j.Run(gctx) })
	}
	g.Go(func() error { return m.run(gctx) })

	err = g.Wait()
	if errors.Cause(err) == context.Canceled && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		log.WithError(err).Error("daemon failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.Process.Registration.Timeout)
	defer shutdownCancel()
	shutdownCtx = logging.WithSubsystemLoggers(shutdownCtx, loggers)
	if serr := m.node.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("cannot deregister process")
	}
	log.Info("daemon exiting")
	return err
}

// meshNode is one registered process: its bus, directory, router node and
// optional client session listener.
type meshNode struct {
	bus      bus.Bus
	dir      directory.Directory
	reg      *registry.Registry
	node     *router.Node
	sessions *session.Server
}

func newMeshNode(ctx context.Context, conf *config.Config, hub *bus.Hub, loggers logging.SubsystemLoggers) (m *meshNode, err error) {
	m = &meshNode{}
	defer func() {
		if err != nil {
			m.close()
		}
	}()

	m.bus, err = busfromconfig.BusFromConfig(conf.Bus, hub)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect bus")
	}
	m.dir, err = dirfromconfig.DirectoryFromConfig(ctx, conf.Directory)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect directory")
	}

	rc := conf.Process.Registration
	m.reg = registry.New(m.dir, m.bus, registry.Config{
		MaxAttempts: rc.MaxAttempts,
		Backoff:     rc.Backoff,
		MaxBackoff:  rc.MaxBackoff,
		Timeout:     rc.Timeout,
	})
	if _, err := m.reg.Register(ctx); err != nil {
		return nil, errors.Wrap(err, "cannot join mesh")
	}

	cc := conf.Process.Callbacks
	m.node, err = router.NewNode(ctx, router.Config{
		Bus:              m.bus,
		Registry:         m.reg,
		Directory:        m.dir,
		Dispatcher:       dispatch.NewFunctions(loggers.Get(logging.SubsysDispatch)),
		DirectoryTimeout: rc.Timeout,
		CallbackTimeout:  cc.Timeout,
		SweepInterval:    cc.SweepInterval,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot create router node")
	}

	if conf.Sessions != nil {
		m.sessions = session.NewServer(conf.Sessions.Listen, conf.Sessions.MaxConnections, m.node)
	}
	return m, nil
}

func (m *meshNode) run(ctx context.Context) error {
	if err := m.node.Start(ctx); err != nil {
		return errors.Wrap(err, "cannot start router node")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.node.Serve(gctx) })
	if m.sessions != nil {
		g.Go(func() error { return m.sessions.Serve(gctx) })
	}
	return g.Wait()
}

func (m *meshNode) close() {
	if m.bus != nil {
		m.bus.Close()
	}
	if m.dir != nil {
		m.dir.Close()
	}
}
