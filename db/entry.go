package db

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// EntryType tags what a log record holds
type EntryType uint8

const (
	EntryTypeUnknown EntryType = iota
	EntryTypeMessage
	EntryTypeBenchmark
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeMessage:
		return "message"
	case EntryTypeBenchmark:
		return "benchmark"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// StoreEntry is a handle to a record in the allocation log.
// Offset is the allocation counter value reserved for the record.
type StoreEntry struct {
	Offset uint64    `msgpack:"o"`
	Length uint32    `msgpack:"l"`
	Type   EntryType `msgpack:"t"`
}

// IsZero reports whether the entry was never allocated
func (e StoreEntry) IsZero() bool {
	return e.Offset == 0
}

func (e StoreEntry) String() string {
	return fmt.Sprintf("entry(%d,%d,%s)", e.Offset, e.Length, e.Type)
}

// IndexItem is the allocation root, one per manager.
// Counter is the persisted lease end; no id at or above it has been issued.
// FreeHead is the lowest offset that may still hold a live record.
type IndexItem struct {
	Counter  uint64 `msgpack:"c"`
	FreeHead uint64 `msgpack:"f"`
}

// Record layout: type(1) flags(1) length(4) checksum(8) body
const (
	recordHeaderSize = 14
	flagCompressed   = 1 << 0
)

// encodeRecord frames a payload. The checksum covers the stored body.
func encodeRecord(t EntryType, payload []byte, codec *recordCodec) []byte {
	body, compressed := codec.compress(payload)

	buf := make([]byte, recordHeaderSize+len(body))
	buf[0] = byte(t)
	if compressed {
		buf[1] = flagCompressed
	}
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[6:14], xxhash.Sum64(body))
	copy(buf[recordHeaderSize:], body)
	return buf
}

// decodeRecord verifies and unwraps a stored record
func decodeRecord(offset uint64, raw []byte, codec *recordCodec) (EntryType, []byte, error) {
	if len(raw) < recordHeaderSize {
		return 0, nil, &CorruptRecordError{Offset: offset, Reason: "short header"}
	}

	t := EntryType(raw[0])
	flags := raw[1]
	length := binary.BigEndian.Uint32(raw[2:6])
	sum := binary.BigEndian.Uint64(raw[6:14])
	body := raw[recordHeaderSize:]

	if xxhash.Sum64(body) != sum {
		return 0, nil, &CorruptRecordError{Offset: offset, Reason: "checksum mismatch"}
	}

	if flags&flagCompressed == 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return t, out, nil
	}

	out, err := codec.decompress(body, int(length))
	if err != nil {
		return 0, nil, &CorruptRecordError{Offset: offset, Reason: err.Error()}
	}
	if len(out) != int(length) {
		return 0, nil, &CorruptRecordError{Offset: offset, Reason: "length mismatch"}
	}
	return t, out, nil
}
