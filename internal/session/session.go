// Package session accepts client connections over TCP and hands them to the
// router as native connections. Messages are newline-delimited in both
// directions.
package session

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/logger"
	"github.com/zrepl/procmesh/internal/util/envconst"
)

type Logger = logger.Logger

type contextKey int

const contextKeyLogger contextKey = iota

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, log)
}

func getLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLogger).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}

// Router is the part of the router node sessions talk to.
type Router interface {
	AttachNative(ctx context.Context, s conn.Session, data conn.Data) (*conn.Native, error)
	DetachNative(ctx context.Context, id string)
	RouteMessage(c conn.Connection, raw []byte) error
}

type Server struct {
	listen         string
	maxConnections int
	router         Router
}

func NewServer(listen string, maxConnections int, router Router) *Server {
	return &Server{listen, maxConnections, router}
}

func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %q", s.listen)
	}
	return s.ServeListener(ctx, l)
}

// ServeListener accepts sessions on l until ctx is done. l is closed on return.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	log := getLogger(ctx).WithField("listen", l.Addr().String())
	if s.maxConnections > 0 {
		l = netutil.LimitListener(l, s.maxConnections)
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	log.Info("accepting client sessions")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

type session struct {
	id  string
	mtx sync.Mutex
	nc  net.Conn
}

func (s *session) ID() string { return s.id }

func (s *session) Write(payload []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := s.nc.Write(buf)
	return err
}

func (s *session) Close() error { return s.nc.Close() }

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	sess := &session{id: uuid.NewString(), nc: nc}
	log := getLogger(ctx).WithField("conn", sess.id).WithField("remote", nc.RemoteAddr().String())
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	defer nc.Close()

	nat, err := s.router.AttachNative(ctx, sess, conn.Data{"remoteAddr": nc.RemoteAddr().String()})
	if err != nil {
		log.WithError(err).Error("cannot attach session")
		return
	}
	defer s.router.DetachNative(context.Background(), sess.id)
	log.Debug("session opened")

	maxLine := envconst.Int("PROCMESH_SESSION_MAX_LINE", 1<<20)
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)
		if err := s.router.RouteMessage(nat, raw); err != nil {
			log.WithError(err).Warn("cannot route client message")
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.WithError(err).Info("session read error")
	}
	log.Debug("session closed")
}
