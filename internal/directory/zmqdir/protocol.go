// Package zmqdir serves a directory.Directory over ZeroMQ REQ/REP with
// MessagePack-encoded requests, and provides the matching client.
package zmqdir

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type Op string

const (
	OpAddProcess    Op = "add_process"
	OpRemoveProcess Op = "remove_process"
	OpListProcesses Op = "list_processes"
	OpSetOwner      Op = "set_owner"
	OpGetOwner      Op = "get_owner"
	OpRemoveOwner   Op = "remove_owner"
)

type Request struct {
	Op      Op     `msgpack:"op"`
	Process string `msgpack:"process,omitempty"`
	Conn    string `msgpack:"conn,omitempty"`
	Owner   string `msgpack:"owner,omitempty"`
}

type Response struct {
	Added     bool     `msgpack:"added,omitempty"`
	NotFound  bool     `msgpack:"not_found,omitempty"`
	Processes []string `msgpack:"processes,omitempty"`
	Owner     string   `msgpack:"owner,omitempty"`
	Error     string   `msgpack:"error,omitempty"`
}

func encode(v interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	return raw, errors.Wrap(err, "msgpack encode")
}

func decode(raw []byte, v interface{}) error {
	return errors.Wrap(msgpack.Unmarshal(raw, v), "msgpack decode")
}
