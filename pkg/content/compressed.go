package content

import (
	"bytes"
	"context"

	"github.com/klauspost/compress/zstd"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Compressed stores zstd frames. Objects that were uploaded uncompressed
// are returned as they are.
type Compressed struct {
	inner   Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressed wraps inner with zstd. maxSize bounds a decoded object;
// 0 means no limit.
func NewCompressed(inner Store, maxSize int64) (*Compressed, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	opts := []zstd.DOption{}
	if maxSize > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	}
	decoder, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, err
	}
	return &Compressed{inner: inner, encoder: encoder, decoder: decoder}, nil
}

func (c *Compressed) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	return c.inner.Upload(ctx, c.encoder.EncodeAll(data, nil))
}

func (c *Compressed) Download(ctx context.Context, id types.ContentID) ([]byte, error) {
	data, err := c.inner.Download(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fault.Storage("decompress "+string(id), err)
	}
	return out, nil
}

// Close releases the decoder.
func (c *Compressed) Close() {
	c.decoder.Close()
}
