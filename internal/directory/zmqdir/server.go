package zmqdir

import (
	"context"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/util/envconst"
)

// Handle executes req against backend. It is the server's request handler,
// exported for tests and embedding.
func Handle(ctx context.Context, backend directory.Directory, req Request) (res Response) {
	var err error
	switch req.Op {
	case OpAddProcess:
		res.Added, err = backend.AddProcessIfAbsent(ctx, req.Process)
	case OpRemoveProcess:
		err = backend.RemoveProcess(ctx, req.Process)
	case OpListProcesses:
		res.Processes, err = backend.ListProcesses(ctx)
	case OpSetOwner:
		err = backend.SetConnectionOwner(ctx, req.Conn, req.Owner)
	case OpGetOwner:
		res.Owner, err = backend.ConnectionOwner(ctx, req.Conn)
		if errors.Cause(err) == directory.ErrNotFound {
			res.NotFound = true
			err = nil
		}
	case OpRemoveOwner:
		err = backend.RemoveConnectionOwner(ctx, req.Conn)
	default:
		err = errors.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

type Server struct {
	listen  string
	backend directory.Directory
}

func NewServer(listen string, backend directory.Directory) *Server {
	return &Server{listen, backend}
}

// Serve answers requests on a REP socket until ctx is done.
// A REP socket must answer every request, including undecodable ones.
func (s *Server) Serve(ctx context.Context) error {
	log := directory.GetLogger(ctx).WithField("listen", s.listen)

	rep, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return errors.Wrap(err, "cannot create REP socket")
	}
	defer rep.Close()
	if err := rep.SetLinger(0); err != nil {
		return errors.Wrap(err, "cannot set linger")
	}
	if err := rep.Bind(s.listen); err != nil {
		return errors.Wrapf(err, "cannot bind %q", s.listen)
	}
	log.Info("directory service listening")

	pollInterval := envconst.Duration("PROCMESH_ZMQDIR_POLL_INTERVAL", 100*time.Millisecond)
	poller := zmq.NewPoller()
	poller.Add(rep, zmq.POLLIN)

	for ctx.Err() == nil {
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EINTR) {
				continue
			}
			return errors.Wrap(err, "poll")
		}
		if len(polled) == 0 {
			continue
		}
		raw, err := rep.RecvBytes(0)
		if err != nil {
			log.WithError(err).Warn("receive failed")
			continue
		}

		var res Response
		var req Request
		if err := decode(raw, &req); err != nil {
			log.WithError(err).Warn("cannot decode request")
			res.Error = err.Error()
		} else {
			res = Handle(ctx, s.backend, req)
			if res.Error != "" {
				log.WithField("op", req.Op).WithField("backend_err", res.Error).Warn("request failed")
			}
		}

		out, err := encode(res)
		if err != nil {
			panic(err) // Response is always encodable
		}
		if _, err := rep.SendBytes(out, 0); err != nil {
			log.WithError(err).Warn("send failed")
		}
	}
	return ctx.Err()
}
