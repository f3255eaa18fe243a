package db

import (
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Payloads below this size are stored raw
const minCompressSize = 256

// recordCodec compresses record bodies with zstd. A zero level disables
// compression on write; previously compressed records still decode.
type recordCodec struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newRecordCodec(level int) (*recordCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	c := &recordCodec{level: level, dec: dec}
	if level == 0 {
		return c, nil
	}

	zstdLevel := configLevelToZstd(level)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		dec.Close()
		return nil, err
	}
	c.enc = enc

	log.Debug().
		Int("config_level", level).
		Str("zstd_level", zstdLevel.String()).
		Msg("Record compression enabled")
	return c, nil
}

// compress returns the stored body and whether it is compressed
func (c *recordCodec) compress(payload []byte) ([]byte, bool) {
	if c.enc == nil || len(payload) < minCompressSize {
		return payload, false
	}

	out := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

func (c *recordCodec) decompress(body []byte, sizeHint int) ([]byte, error) {
	return c.dec.DecodeAll(body, make([]byte, 0, sizeHint))
}

func (c *recordCodec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
