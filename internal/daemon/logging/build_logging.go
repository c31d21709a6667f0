package logging

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/syslog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/broker"
	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/logger"
	"github.com/zrepl/procmesh/internal/registry"
	"github.com/zrepl/procmesh/internal/router"
	"github.com/zrepl/procmesh/internal/session"
)

func OutletsFromConfig(in config.LoggingOutletEnumList) (*logger.Outlets, error) {

	outlets := logger.NewOutlets()

	if len(in) == 0 {
		// Default config
		out := WriterOutlet{&HumanFormatter{}, os.Stdout}
		outlets.Add(out, logger.Warn)
		return outlets, nil
	}

	var syslogOutlets, stdoutOutlets int
	for lei, le := range in {

		outlet, minLevel, err := ParseOutlet(le)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse outlet #%d", lei)
		}
		switch outlet.(type) {
		case *SyslogOutlet:
			syslogOutlets++
		case WriterOutlet:
			stdoutOutlets++
		}

		outlets.Add(outlet, minLevel)
	}

	if syslogOutlets > 1 {
		return nil, errors.Errorf("can only define one 'syslog' outlet")
	}
	if stdoutOutlets > 1 {
		return nil, errors.Errorf("can only define one 'stdout' outlet")
	}

	return outlets, nil
}

type Subsystem string

const (
	SubsysMeta      Subsystem = "meta"
	SubsysBus       Subsystem = "bus"
	SubsysDirectory Subsystem = "directory"
	SubsysRegistry  Subsystem = "registry"
	SubsysRouter    Subsystem = "router"
	SubsysDispatch  Subsystem = "dispatch"
	SubsysSession   Subsystem = "session"
	SubsysBroker    Subsystem = "broker"
)

var AllSubsystems = []Subsystem{
	SubsysMeta,
	SubsysBus,
	SubsysDirectory,
	SubsysRegistry,
	SubsysRouter,
	SubsysDispatch,
	SubsysSession,
	SubsysBroker,
}

type SubsystemLoggers map[Subsystem]logger.Logger

// SubsystemLoggersWithUniversalLogger derives one logger per subsystem from l,
// each tagged with its subsystem field.
func SubsystemLoggersWithUniversalLogger(l logger.Logger) SubsystemLoggers {
	loggers := make(SubsystemLoggers, len(AllSubsystems))
	for _, s := range AllSubsystems {
		loggers[s] = l.WithField(SubsysField, string(s))
	}
	return loggers
}

func (l SubsystemLoggers) Get(s Subsystem) logger.Logger {
	if log, ok := l[s]; ok {
		return log
	}
	return logger.NewNullLogger()
}

// WithSubsystemLoggers injects the subsystem loggers into ctx the way each
// package expects to find them.
func WithSubsystemLoggers(ctx context.Context, l SubsystemLoggers) context.Context {
	ctx = bus.WithLogger(ctx, l.Get(SubsysBus))
	ctx = directory.WithLogger(ctx, l.Get(SubsysDirectory))
	ctx = registry.WithLogger(ctx, l.Get(SubsysRegistry))
	ctx = router.WithLogger(ctx, l.Get(SubsysRouter))
	ctx = session.WithLogger(ctx, l.Get(SubsysSession))
	ctx = broker.WithLogger(ctx, l.Get(SubsysBroker))
	ctx = context.WithValue(ctx, contextKeyLoggers, l)
	return ctx
}

type contextKey int

const contextKeyLoggers contextKey = iota

func GetLogger(ctx context.Context, subsys Subsystem) logger.Logger {
	loggers, ok := ctx.Value(contextKeyLoggers).(SubsystemLoggers)
	if !ok {
		return logger.NewNullLogger()
	}
	return loggers.Get(subsys)
}

func parseLogFormat(i interface{}) (f EntryFormatter, err error) {
	var is string
	switch j := i.(type) {
	case string:
		is = j
	default:
		return nil, errors.Errorf("invalid log format: wrong type: %T", i)
	}

	switch is {
	case "human":
		return &HumanFormatter{}, nil
	case "logfmt":
		return &LogfmtFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	default:
		return nil, errors.Errorf("invalid log format: '%s'", is)
	}
}

func ParseOutlet(in config.LoggingOutletEnum) (o logger.Outlet, level logger.Level, err error) {

	parseCommon := func(common config.LoggingOutletCommon) (logger.Level, EntryFormatter, error) {
		if common.Level == "" || common.Format == "" {
			return 0, nil, errors.Errorf("must specify 'level' and 'format' field")
		}

		minLevel, err := logger.ParseLevel(common.Level)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'level' field")
		}
		formatter, err := parseLogFormat(common.Format)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'format' field")
		}
		return minLevel, formatter, nil
	}

	var f EntryFormatter

	switch v := in.Ret.(type) {
	case *config.StdoutLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseStdoutOutlet(v, f)
	case *config.TCPLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseTCPOutlet(v, f)
	case *config.SyslogLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseSyslogOutlet(v, f)
	default:
		err = errors.Errorf("unknown outlet type %T", v)
	}
	return o, level, err
}

func parseStdoutOutlet(in *config.StdoutLoggingOutlet, formatter EntryFormatter) (WriterOutlet, error) {
	flags := MetadataAll
	writer := os.Stdout
	tty := isatty.IsTerminal(writer.Fd())
	if !tty && !in.Time {
		flags &= ^MetadataTime
	}
	if !tty || !in.Color {
		flags &= ^MetadataColor
	}

	formatter.SetMetadataFlags(flags)
	return WriterOutlet{
		formatter,
		writer,
	}, nil
}

func parseTCPOutlet(in *config.TCPLoggingOutlet, formatter EntryFormatter) (out *TCPOutlet, err error) {
	var tlsConfig *tls.Config
	if in.TLS != nil {
		tlsConfig, err = tcpOutletTLSConfig(in.TLS)
		if err != nil {
			return nil, errors.Wrap(err, "cannot not parse TLS config in field 'tls'")
		}
	}

	formatter.SetMetadataFlags(MetadataAll &^ MetadataColor)
	return NewTCPOutlet(formatter, in.Net, in.Address, tlsConfig, in.RetryInterval), nil
}

func tcpOutletTLSConfig(m *config.TCPLoggingOutletTLS) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(m.Cert, m.Key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load client cert")
	}

	var rootCAs *x509.CertPool
	if m.CA == "" {
		if rootCAs, err = x509.SystemCertPool(); err != nil {
			return nil, errors.Wrap(err, "cannot open system cert pool")
		}
	} else {
		pem, err := os.ReadFile(m.CA)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read CA file")
		}
		rootCAs = x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in CA file %q", m.CA)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      rootCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func parseSyslogOutlet(in *config.SyslogLoggingOutlet, formatter EntryFormatter) (out *SyslogOutlet, err error) {
	out = &SyslogOutlet{}
	out.Formatter = formatter
	out.Formatter.SetMetadataFlags(MetadataNone)
	out.Facility = syslog.LOG_LOCAL0
	out.RetryInterval = in.RetryInterval
	return out, nil
}
