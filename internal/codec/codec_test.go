package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	c := Codec{}

	t.Run("sync", func(t *testing.T) {
		in := &UpdateFrame{DocumentID: "doc", Origin: "c1", Payload: []byte{1, 2, 3}}
		b, err := c.Encode(in)
		require.NoError(t, err)
		assert.Equal(t, byte(KindSync), b[0])

		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("awareness withdrawal", func(t *testing.T) {
		in := &AwarenessFrame{DocumentID: "doc", ClientID: "c1", Clock: 7}
		b, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(b)
		require.NoError(t, err)
		af, ok := out.(*AwarenessFrame)
		require.True(t, ok)
		assert.True(t, af.Withdrawn())
		assert.Equal(t, uint64(7), af.Clock)
	})

	t.Run("query", func(t *testing.T) {
		b, err := c.Encode(&QueryFrame{DocumentID: "doc"})
		require.NoError(t, err)
		out, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, KindQueryAwareness, out.Kind())
		assert.Equal(t, DocumentID("doc"), out.Document())
	})
}

func TestEncodingIsDeterministic(t *testing.T) {
	c := Codec{}
	f := &AwarenessFrame{DocumentID: "doc", ClientID: "c1", Clock: 3, State: []byte(`{"cursor":4}`)}
	a, err := c.Encode(f)
	require.NoError(t, err)
	b, err := c.Encode(f)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestDecodeMalformed(t *testing.T) {
	c := Codec{MaxFrameSize: 64}
	valid, err := c.Encode(&UpdateFrame{DocumentID: "doc", Payload: []byte("abc")})
	require.NoError(t, err)

	noDoc, err := encMode.Marshal(&QueryFrame{})
	require.NoError(t, err)

	badStep, err := encMode.Marshal(&UpdateFrame{DocumentID: "doc", Step: 9})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":           nil,
		"unknown tag":     append([]byte{9}, valid[1:]...),
		"tag only":        {byte(KindSync)},
		"truncated":       valid[:len(valid)-2],
		"trailing bytes":  append(append([]byte{}, valid...), 0x00),
		"oversized":       append([]byte{byte(KindSync)}, make([]byte, 64)...),
		"missing doc":     append([]byte{byte(KindQueryAwareness)}, noDoc...),
		"unknown step":    append([]byte{byte(KindSync)}, badStep...),
		"body wrong type": {byte(KindAwareness), 0x01},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(b)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestLimitAppliesToDecodeOnly(t *testing.T) {
	c := Codec{MaxFrameSize: 16}
	b, err := c.Encode(&UpdateFrame{DocumentID: "doc", Payload: make([]byte, 32)})
	require.NoError(t, err)

	_, err = c.Decode(b)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Codec{}.Decode(b)
	assert.NoError(t, err)
}
