package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tcs := []struct {
		name    string
		tag     string
		tokens  []string
		payload string
	}{
		{"plain", TagFrom, []string{"c1"}, `["ABCD1234",{"func":"ping"}]`},
		{"payload with separator", TagFrom, []string{"c1"}, `a::b::c`},
		{"payload with colons", TagProcess, []string{"ABCD1234", "FWD"}, `x:y:z:`},
		{"empty payload", TagNative, []string{"c2", "MSG"}, ``},
		{"payload starting with separator", TagSymbolic, []string{"c3"}, `::leading`},
		{"tag only", TagProcess, nil, `NEW`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.tag, tc.tokens, []byte(tc.payload))
			require.NoError(t, err)
			e, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.tag, e.Header.Tag())
			assert.Equal(t, len(tc.tokens), len(e.Header)-1)
			for i, tok := range tc.tokens {
				assert.Equal(t, tok, e.Header[i+1])
			}
			assert.Equal(t, tc.payload, string(e.Payload))
		})
	}
}

func TestEncodeRejectsInvalidTokens(t *testing.T) {
	tcs := []struct {
		name   string
		tag    string
		tokens []string
	}{
		{"empty token", TagFrom, []string{""}},
		{"token with separator", TagFrom, []string{"a:b"}},
		{"token with double separator", TagProcess, []string{"ABCD1234", "x::y"}},
		{"empty tag", "", []string{"c1"}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.tag, tc.tokens, []byte("x"))
			assert.Nil(t, raw)
			assert.True(t, IsMalformed(err), "%v", err)
		})
	}

	assert.True(t, ValidToken("c9f0e1"))
	assert.False(t, ValidToken(""))
	assert.False(t, ValidToken("a:b"))
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "FRM:c1", "::payload", "FRM::c1::x"} {
		_, err := Decode([]byte(raw))
		if raw == "FRM::c1::x" {
			// first "::" splits, header "FRM" is valid
			require.NoError(t, err)
			continue
		}
		require.Error(t, err, "%q", raw)
		assert.True(t, IsMalformed(err))
	}
}

func TestHeaderAfter(t *testing.T) {
	h := ParseHeader("PRC:ABCD1234:FRM:c1:tok")
	id, ok := h.After(TagFrom)
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = h.After("tok")
	assert.False(t, ok, "tag at the end has no following token")
	_, ok = h.After(TagNative)
	assert.False(t, ok)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "PRC:NEW", ChannelProcessJoin)
	assert.Equal(t, "PRC:DEL", ChannelProcessLeave)
	assert.Equal(t, "PRC:ABCD1234:FWD", ProcessChannel("ABCD1234", KindForward))
	assert.Equal(t, "NTV:c1:MSG", NativeMessageChannel("c1"))
	assert.Equal(t, "SYM:c1:DEL", SymbolicDeleteChannel("c1"))

	ch, err := ParseChannel("PRC:ABCD1234:IPCCB")
	require.NoError(t, err)
	assert.Equal(t, Channel{TagProcess, "ABCD1234", KindIPCCallback}, ch)

	ch, err = ParseChannel("PRC:DEL")
	require.NoError(t, err)
	assert.Equal(t, Channel{Tag: TagProcess, Kind: KindDel}, ch)

	_, err = ParseChannel("FOO:bar:baz")
	assert.True(t, IsMalformed(err))
}

func TestCallbackList(t *testing.T) {
	raw, err := EncodeCallbackList("cb1", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, "cb1:c1:c2", string(raw))
	id, conns, err := DecodeCallbackList(raw)
	require.NoError(t, err)
	assert.Equal(t, "cb1", id)
	assert.Equal(t, []string{"c1", "c2"}, conns)

	id, conns, err = DecodeCallbackList([]byte("cb2"))
	require.NoError(t, err)
	assert.Equal(t, "cb2", id)
	assert.Empty(t, conns)

	_, _, err = DecodeCallbackList(nil)
	assert.True(t, IsMalformed(err))

	_, err = EncodeCallbackList("cb3", []string{"c1", "weird:id"})
	assert.True(t, IsMalformed(err))
}

func TestClientMessageOwner(t *testing.T) {
	owner, ok := ClientMessageOwner([]byte(`["ABCD1234",{"func":"x"}]`), 8)
	require.True(t, ok)
	assert.Equal(t, "ABCD1234", owner)

	_, ok = ClientMessageOwner([]byte(`["ABC",{}]`), 8)
	assert.False(t, ok)
	_, ok = ClientMessageOwner([]byte(`{"func":"x"}`), 8)
	assert.False(t, ok)
}
