// Package directory defines the shared key/value store all processes of a
// fleet can reach: the set of registered process ids and the mapping from
// connection id to the process that owns the connection.
package directory

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/logger"
)

type Logger = logger.Logger

type contextKey int

const contextKeyLogger contextKey = iota

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, log)
}

func GetLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLogger).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}

var ErrNotFound = errors.New("not found in directory")

type Directory interface {
	// AddProcessIfAbsent atomically adds id to the process set.
	// added is false if id was already present.
	AddProcessIfAbsent(ctx context.Context, id string) (added bool, err error)
	RemoveProcess(ctx context.Context, id string) error
	ListProcesses(ctx context.Context) ([]string, error)

	SetConnectionOwner(ctx context.Context, connID, owner string) error
	// ConnectionOwner returns ErrNotFound if connID is unknown.
	ConnectionOwner(ctx context.Context, connID string) (string, error)
	RemoveConnectionOwner(ctx context.Context, connID string) error

	Close() error
}
