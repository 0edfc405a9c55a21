package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"collabtext/internal/codec"
)

// zstdMagic is the frame magic number every zstd stream starts with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// zstdEncoder and zstdDecoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Compressed wraps a Store and zstd-compresses state on the way in. Values
// saved before compression was enabled are returned as they are.
type Compressed struct {
	Store
}

func (c Compressed) Load(ctx context.Context, doc codec.DocumentID) ([]byte, error) {
	raw, err := c.Store.Load(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	state, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", ErrPersistenceUnavailable, doc, err)
	}
	return state, nil
}

func (c Compressed) Save(ctx context.Context, doc codec.DocumentID, state []byte) error {
	return c.Store.Save(ctx, doc, zstdEncoder.EncodeAll(state, nil))
}
