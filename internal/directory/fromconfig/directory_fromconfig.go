// Package fromconfig instantiates directory clients based on procmesh config
// structures (see package config).
package fromconfig

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/directory/redisdir"
	"github.com/zrepl/procmesh/internal/directory/sqldir"
	"github.com/zrepl/procmesh/internal/directory/zmqdir"
)

func DirectoryFromConfig(ctx context.Context, in config.DirectoryEnum) (directory.Directory, error) {
	switch v := in.Ret.(type) {
	case *config.ZMQDirectory:
		return zmqdir.NewClient(v.Address, v.Timeout), nil
	case *config.RedisDirectory:
		client := redis.NewClient(&redis.Options{
			Addr:     v.Address,
			Password: v.Password,
			DB:       v.DB,
		})
		return redisdir.New(client, v.KeyPrefix, v.Timeout, true), nil
	case *config.SQLDirectory:
		return sqldir.Open(ctx, v.Type, v.DSN, v.CreateSchema)
	case *config.MemoryDirectory:
		return directory.NewMemory(), nil
	default:
		panic(fmt.Sprintf("implementation error: unknown directory type %T", v))
	}
}
