package callback

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/logger"
)

const (
	NamespaceInternal = "internal"
	FuncCallItBack    = "callItBack"
)

// Reply is the payload of PRC:<origin>:IPCCB.
// Args is [callbackID, [replyArgs...]].
type Reply struct {
	NS     string            `json:"ns"`
	Func   string            `json:"func"`
	Args   []json.RawMessage `json:"args"`
	Sender string            `json:"sender"`
}

func EncodeReply(sender, id string, args []interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode reply arguments")
	}
	return json.Marshal(Reply{
		NS:     NamespaceInternal,
		Func:   FuncCallItBack,
		Args:   []json.RawMessage{rawID, rawArgs},
		Sender: sender,
	})
}

// DecodeReplyArgs splits the arguments of a callItBack call into the
// callback id and the reply arguments.
func DecodeReplyArgs(args []json.RawMessage) (id string, replyArgs []json.RawMessage, err error) {
	if len(args) < 1 {
		return "", nil, errors.Wrap(envelope.ErrMalformed, "callItBack without callback id")
	}
	if err := json.Unmarshal(args[0], &id); err != nil || id == "" {
		return "", nil, errors.Wrap(envelope.ErrMalformed, "callItBack with invalid callback id")
	}
	if len(args) > 1 && string(args[1]) != "null" {
		if err := json.Unmarshal(args[1], &replyArgs); err != nil {
			return "", nil, errors.Wrap(envelope.ErrMalformed, "callItBack reply arguments must be an array")
		}
	}
	return id, replyArgs, nil
}

func DecodeReply(payload []byte) (id, sender string, replyArgs []json.RawMessage, err error) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return "", "", nil, errors.Wrap(envelope.ErrMalformed, err.Error())
	}
	if r.Func != FuncCallItBack {
		return "", "", nil, errors.Wrapf(envelope.ErrMalformed, "unexpected reply function %q", r.Func)
	}
	id, replyArgs, err = DecodeReplyArgs(r.Args)
	return id, r.Sender, replyArgs, err
}

// CreateIPCCallback returns the reply function handed to the dispatch layer
// for an EXEC request from process origin. Calling it publishes one IPCCB
// envelope carrying id and the reply arguments back to origin.
func CreateIPCCallback(pub bus.Publisher, self, origin, id string, log logger.Logger) func(args ...interface{}) {
	return func(args ...interface{}) {
		payload, err := EncodeReply(self, id, args)
		if err != nil {
			log.WithError(err).WithField("callback", id).Error("cannot encode reply")
			return
		}
		channel := envelope.ProcessChannel(origin, envelope.KindIPCCallback)
		if err := pub.Publish(channel, payload); err != nil {
			log.WithError(err).WithField("callback", id).Warn("cannot publish reply")
		}
	}
}
