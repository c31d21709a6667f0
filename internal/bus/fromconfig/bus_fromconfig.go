// Package fromconfig instantiates buses based on procmesh config structures
// (see package config).
package fromconfig

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/bus/redisbus"
	"github.com/zrepl/procmesh/internal/bus/zmqbus"
	"github.com/zrepl/procmesh/internal/config"
)

// BusFromConfig connects the bus described by in.
// hub is only used for local buses and may be nil otherwise.
func BusFromConfig(in config.BusEnum, hub *bus.Hub) (bus.Bus, error) {
	switch v := in.Ret.(type) {
	case *config.ZMQBus:
		b, err := zmqbus.New(v.Publish, v.Subscribe)
		return b, errors.Wrap(err, "zmq bus")
	case *config.RedisBus:
		client := redis.NewClient(&redis.Options{
			Addr:     v.Address,
			Password: v.Password,
			DB:       v.DB,
		})
		return redisbus.New(client, v.Timeout), nil
	case *config.LocalBus:
		if hub == nil {
			return nil, errors.New("local bus requires an in-process hub")
		}
		return hub.Connect(), nil
	default:
		panic(fmt.Sprintf("implementation error: unknown bus type %T", v))
	}
}
