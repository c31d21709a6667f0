// Package broker runs the ZeroMQ forwarding proxy that zmqbus nodes connect to.
// Publishers connect to the XSUB side, subscribers to the XPUB side.
package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/logger"
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

type Broker struct {
	xsubAddr, xpubAddr string
}

func New(xsubAddr, xpubAddr string) *Broker {
	return &Broker{xsubAddr, xpubAddr}
}

var controlSeq uint64

func newControlEndpoint() string {
	return fmt.Sprintf("inproc://procmesh-broker-control-%d", atomic.AddUint64(&controlSeq, 1))
}

// Serve binds both proxy sockets and forwards messages and subscriptions
// until ctx is done.
func (b *Broker) Serve(ctx context.Context) (err error) {
	log := getLogger(ctx).WithField("xsub", b.xsubAddr).WithField("xpub", b.xpubAddr)

	var closers []*zmq.Socket
	defer func() {
		for _, s := range closers {
			s.Close()
		}
	}()
	socket := func(t zmq.Type, bind string) (*zmq.Socket, error) {
		s, err := zmq.NewSocket(t)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot create %s socket", t)
		}
		closers = append(closers, s)
		if err := s.SetLinger(0); err != nil {
			return nil, errors.Wrapf(err, "cannot set linger on %s socket", t)
		}
		if err := s.Bind(bind); err != nil {
			return nil, errors.Wrapf(err, "cannot bind %s socket to %q", t, bind)
		}
		return s, nil
	}

	xsub, err := socket(zmq.XSUB, b.xsubAddr)
	if err != nil {
		return err
	}
	xpub, err := socket(zmq.XPUB, b.xpubAddr)
	if err != nil {
		return err
	}
	controlAddr := newControlEndpoint()
	control, err := socket(zmq.PAIR, controlAddr)
	if err != nil {
		return err
	}

	terminator, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return errors.Wrap(err, "cannot create control socket")
	}
	closers = append(closers, terminator)
	if err := terminator.Connect(controlAddr); err != nil {
		return errors.Wrap(err, "cannot connect control socket")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("terminating proxy")
			if _, err := terminator.Send("TERMINATE", 0); err != nil {
				log.WithError(err).Error("cannot signal proxy termination")
			}
		case <-done:
		}
	}()

	log.Info("proxy started")
	if err := zmq.ProxySteerable(xsub, xpub, nil, control); err != nil {
		return errors.Wrap(err, "proxy exited")
	}
	return ctx.Err()
}
