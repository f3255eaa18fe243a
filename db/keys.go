package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout inside the shared pebble store (sorted for prefix iteration)
const (
	keyRoot       = "/root"     // /root -> IndexItem
	prefixLog     = "/log/"     // /log/{offset:016x} -> record
	prefixIdxMeta = "/idxmeta/" // /idxmeta/{index} -> indexMeta
	prefixIdx     = "/idx/"     // /idx/{index}/k/{key}, /idx/{index}/o/{seq:016x}

	idxKeySegment   = "/k/"
	idxOrderSegment = "/o/"
)

func logKey(offset uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixLog, offset))
}

func parseLogKey(key []byte) (uint64, error) {
	return strconv.ParseUint(string(key[len(prefixLog):]), 16, 64)
}

func indexMetaKey(name string) []byte {
	return []byte(prefixIdxMeta + name)
}

// indexRegion is the prefix owning every key of one index
func indexRegion(name string) []byte {
	return []byte(prefixIdx + name + "/")
}

func indexKeyPrefix(name string) []byte {
	return []byte(prefixIdx + name + idxKeySegment)
}

func indexKeyKey(name, key string) []byte {
	return []byte(prefixIdx + name + idxKeySegment + key)
}

func indexOrderPrefix(name string) []byte {
	return []byte(prefixIdx + name + idxOrderSegment)
}

func indexOrderKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%016x", prefixIdx, name, idxOrderSegment, seq))
}

func parseOrderSeq(name string, key []byte) (uint64, error) {
	raw := string(key[len(indexOrderPrefix(name)):])
	if len(raw) != 16 {
		return 0, fmt.Errorf("order key %q has bad width", raw)
	}
	return strconv.ParseUint(raw, 16, 64)
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// ValidateIndexName rejects names that would alias another index region
func ValidateIndexName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
