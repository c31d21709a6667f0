// Package redisdir implements directory.Directory on a Redis server.
//
// Processes are members of the set <prefix>:processes, connection owners
// are fields of the hash <prefix>:owners.
package redisdir

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zrepl/procmesh/internal/directory"
)

type Directory struct {
	client      *redis.Client
	processes   string
	owners      string
	timeout     time.Duration
	closeClient bool
}

var _ directory.Directory = (*Directory)(nil)

// New wraps client. The client is closed by Close only if ownsClient is true.
func New(client *redis.Client, keyPrefix string, timeout time.Duration, ownsClient bool) *Directory {
	return &Directory{
		client:      client,
		processes:   keyPrefix + ":processes",
		owners:      keyPrefix + ":owners",
		timeout:     timeout,
		closeClient: ownsClient,
	}
}

func (d *Directory) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Directory) AddProcessIfAbsent(ctx context.Context, id string) (bool, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	n, err := d.client.SAdd(ctx, d.processes, id).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis SADD %s", d.processes)
	}
	return n == 1, nil
}

func (d *Directory) RemoveProcess(ctx context.Context, id string) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	return errors.Wrapf(d.client.SRem(ctx, d.processes, id).Err(), "redis SREM %s", d.processes)
}

func (d *Directory) ListProcesses(ctx context.Context) ([]string, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	ids, err := d.client.SMembers(ctx, d.processes).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis SMEMBERS %s", d.processes)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Directory) SetConnectionOwner(ctx context.Context, connID, owner string) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	return errors.Wrapf(d.client.HSet(ctx, d.owners, connID, owner).Err(), "redis HSET %s", d.owners)
}

func (d *Directory) ConnectionOwner(ctx context.Context, connID string) (string, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	owner, err := d.client.HGet(ctx, d.owners, connID).Result()
	if err == redis.Nil {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis HGET %s", d.owners)
	}
	return owner, nil
}

func (d *Directory) RemoveConnectionOwner(ctx context.Context, connID string) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()
	return errors.Wrapf(d.client.HDel(ctx, d.owners, connID).Err(), "redis HDEL %s", d.owners)
}

func (d *Directory) Close() error {
	if d.closeClient {
		return d.client.Close()
	}
	return nil
}
