package daemon

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/daemon/logging"
	"github.com/zrepl/procmesh/internal/logger"
)

type prometheusJob struct {
	listen string
}

func newPrometheusJobFromConfig(in *config.PrometheusMonitoring) (*prometheusJob, error) {
	if _, _, err := net.SplitHostPort(in.Listen); err != nil {
		return nil, err
	}
	return &prometheusJob{listen: in.Listen}, nil
}

var prom struct {
	logEntries *prometheus.CounterVec
}

func init() {
	prom.logEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "daemon",
		Name:      "log_entries",
		Help:      "number of log entries per subsystem and level",
	}, []string{"subsystem", "level"})
	prometheus.MustRegister(prom.logEntries)
}

func (j *prometheusJob) Run(ctx context.Context) error {
	log := logging.GetLogger(ctx, logging.SubsysMeta).WithField("listen", j.listen)

	l, err := net.Listen("tcp", j.listen)
	if err != nil {
		return errors.Wrap(err, "prometheus: cannot listen")
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux}

	log.Info("serving metrics")
	err = server.Serve(l)
	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "prometheus: error while serving")
	}
	return nil
}

type prometheusLogOutlet struct{}

var _ logger.Outlet = prometheusLogOutlet{}

func newPrometheusLogOutlet() prometheusLogOutlet {
	return prometheusLogOutlet{}
}

func (o prometheusLogOutlet) WriteEntry(entry logger.Entry) error {
	subsys, ok := entry.Fields[logging.SubsysField].(string)
	if !ok {
		subsys = "_nosubsystem"
	}
	prom.logEntries.WithLabelValues(subsys, entry.Level.String()).Inc()
	return nil
}
