package router

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/callback"
)

// sweepCallbacks evicts pending callbacks older than the configured timeout.
// Their eviction functions run with an error wrapping callback.ErrExpired.
func (n *Node) sweepCallbacks(ctx context.Context) {
	t := time.NewTicker(n.conf.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n.l.Lock()
		expired := n.callbacks.Expire(n.conf.CallbackTimeout)
		n.updateGauges()
		n.l.Unlock()
		for _, p := range expired {
			prom.expiredCallbacks.Inc()
			n.log.WithField("callback", p.ID).WithField("accepted", p.Accepted()).
				WithField("timeout", n.conf.CallbackTimeout).Warn("evicting unanswered callback")
			p.Evict(errors.Wrapf(callback.ErrExpired, "no reply to callback %q within %s", p.ID, n.conf.CallbackTimeout))
		}
	}
}
