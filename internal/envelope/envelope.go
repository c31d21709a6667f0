// Package envelope implements the wire framing shared by every bus channel:
// a colon-delimited header, the two-character separator "::" and an opaque
// payload.
//
//	FRM:c9f0e1::["ABCD1234",{"func":"ping","args":[]}]
//
// Only the first occurrence of "::" separates header from payload, so payloads
// may contain arbitrary ":" and "::" sequences.
package envelope

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

const (
	Separator      = "::"
	TokenSeparator = ":"
)

// Message class tags. A header always starts with one of these.
const (
	TagFrom     = "FRM"
	TagProcess  = "PRC"
	TagSymbolic = "SYM"
	TagNative   = "NTV"
)

var ErrMalformed = errors.New("malformed envelope")

type Header []string

func ParseHeader(s string) Header {
	if s == "" {
		return Header{}
	}
	return Header(strings.Split(s, TokenSeparator))
}

func (h Header) String() string {
	return strings.Join(h, TokenSeparator)
}

// Tag returns the class tag, or "" for an empty header.
func (h Header) Tag() string {
	if len(h) == 0 {
		return ""
	}
	return h[0]
}

// After locates tag inside the header and returns the token following it.
// Headers differ in length across message classes, so callers must not rely on
// fixed positions.
func (h Header) After(tag string) (string, bool) {
	for i := 0; i < len(h)-1; i++ {
		if h[i] == tag {
			return h[i+1], true
		}
	}
	return "", false
}

type Envelope struct {
	Header  Header
	Payload []byte
}

// ValidToken reports whether tok can be carried as a header token: it must
// be non-empty and must not contain the token separator.
func ValidToken(tok string) bool {
	return tok != "" && !strings.Contains(tok, TokenSeparator)
}

func validateTokens(tokens []string) error {
	for i, tok := range tokens {
		if !ValidToken(tok) {
			return errors.Wrapf(ErrMalformed, "invalid header token #%d %q", i, tok)
		}
	}
	return nil
}

// New builds an envelope. It rejects tags and tokens that would not survive
// Decode.
func New(tag string, tokens []string, payload []byte) (Envelope, error) {
	h := make(Header, 0, len(tokens)+1)
	h = append(h, tag)
	h = append(h, tokens...)
	if err := validateTokens(h); err != nil {
		return Envelope{}, err
	}
	return Envelope{h, payload}, nil
}

func (e Envelope) Encode() []byte {
	hdr := e.Header.String()
	out := make([]byte, 0, len(hdr)+len(Separator)+len(e.Payload))
	out = append(out, hdr...)
	out = append(out, Separator...)
	out = append(out, e.Payload...)
	return out
}

// Encode returns tag:token1:token2...::payload.
func Encode(tag string, tokens []string, payload []byte) ([]byte, error) {
	e, err := New(tag, tokens, payload)
	if err != nil {
		return nil, err
	}
	return e.Encode(), nil
}

func Decode(raw []byte) (Envelope, error) {
	idx := bytes.Index(raw, []byte(Separator))
	if idx < 0 {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing header separator")
	}
	if idx == 0 {
		return Envelope{}, errors.Wrap(ErrMalformed, "empty header")
	}
	hdr := ParseHeader(string(raw[:idx]))
	for i, tok := range hdr {
		if tok == "" {
			return Envelope{}, errors.Wrapf(ErrMalformed, "empty header token #%d", i)
		}
	}
	payload := make([]byte, len(raw)-idx-len(Separator))
	copy(payload, raw[idx+len(Separator):])
	return Envelope{hdr, payload}, nil
}

// IsMalformed reports whether err originates from a structural decode failure.
func IsMalformed(err error) bool {
	return errors.Cause(err) == ErrMalformed
}
