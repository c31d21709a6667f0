package envelope

import (
	"strings"

	"github.com/pkg/errors"
)

// Channel kinds following PRC:<process>: / NTV:<conn>: / SYM:<conn>:
const (
	KindNew          = "NEW"
	KindDel          = "DEL"
	KindForward      = "FWD"
	KindCallbackList = "CBL"
	KindSymbolicNew  = "SYMNEW"
	KindSymbolicDel  = "SYMDEL"
	KindExec         = "EXEC"
	KindIPCCallback  = "IPCCB"
	KindMessage      = "MSG"
)

var (
	ChannelProcessJoin  = Header{TagProcess, KindNew}.String()
	ChannelProcessLeave = Header{TagProcess, KindDel}.String()
)

// ProcessChannel returns PRC:<processID>:<kind>.
func ProcessChannel(processID, kind string) string {
	return Header{TagProcess, processID, kind}.String()
}

// NativeMessageChannel returns NTV:<connID>:MSG.
func NativeMessageChannel(connID string) string {
	return Header{TagNative, connID, KindMessage}.String()
}

// SymbolicDeleteChannel returns SYM:<connID>:DEL.
func SymbolicDeleteChannel(connID string) string {
	return Header{TagSymbolic, connID, KindDel}.String()
}

type Channel struct {
	Tag    string
	Target string // process or connection id, empty for PRC:NEW and PRC:DEL
	Kind   string
}

func ParseChannel(ch string) (Channel, error) {
	h := ParseHeader(ch)
	switch len(h) {
	case 2:
		if h[0] != TagProcess || (h[1] != KindNew && h[1] != KindDel) {
			return Channel{}, errors.Wrapf(ErrMalformed, "unknown channel %q", ch)
		}
		return Channel{Tag: h[0], Kind: h[1]}, nil
	case 3:
		switch h[0] {
		case TagProcess, TagNative, TagSymbolic:
		default:
			return Channel{}, errors.Wrapf(ErrMalformed, "unknown channel tag in %q", ch)
		}
		if h[1] == "" || h[2] == "" {
			return Channel{}, errors.Wrapf(ErrMalformed, "empty channel token in %q", ch)
		}
		return Channel{Tag: h[0], Target: h[1], Kind: h[2]}, nil
	default:
		return Channel{}, errors.Wrapf(ErrMalformed, "unexpected channel %q", ch)
	}
}

// EncodeCallbackList returns <callbackID>:<connID>:<connID>...
func EncodeCallbackList(callbackID string, connIDs []string) ([]byte, error) {
	h := make(Header, 0, len(connIDs)+1)
	h = append(h, callbackID)
	h = append(h, connIDs...)
	if err := validateTokens(h); err != nil {
		return nil, errors.Wrap(err, "callback list")
	}
	return []byte(h.String()), nil
}

func DecodeCallbackList(payload []byte) (callbackID string, connIDs []string, err error) {
	h := ParseHeader(string(payload))
	if len(h) == 0 || h[0] == "" {
		return "", nil, errors.Wrap(ErrMalformed, "callback list without callback id")
	}
	connIDs = make([]string, 0, len(h)-1)
	for _, c := range h[1:] {
		if c != "" {
			connIDs = append(connIDs, c)
		}
	}
	return h[0], connIDs, nil
}

// ClientMessageOwner extracts the owning process id from a client message of
// the form ["<owner>", {...}]. ok is false if the message does not start that way.
func ClientMessageOwner(raw []byte, idLen int) (owner string, ok bool) {
	const prefix = `["`
	if len(raw) < len(prefix)+idLen+1 || !strings.HasPrefix(string(raw[:len(prefix)]), prefix) {
		return "", false
	}
	if raw[len(prefix)+idLen] != '"' {
		return "", false
	}
	return string(raw[len(prefix) : len(prefix)+idLen]), true
}
