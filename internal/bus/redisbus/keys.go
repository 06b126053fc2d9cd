package redisbus

import (
	"fmt"
	"strconv"
	"strings"
)

// retryKey is the ZSET of naked entry ids waiting out their delay, scored by
// due time in unix milliseconds.
func retryKey(stream, group string) string {
	return fmt.Sprintf("enq:retry:{%s}:%s", stream, group)
}

// nextID is the smallest stream id after id. It makes XPENDING ranges
// exclusive of the last id already seen.
func nextID(id string) string {
	msStr, seqStr, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return id
	}
	return msStr + "-" + strconv.FormatUint(seq+1, 10)
}

// sequence packs a stream id "ms-seq" into one monotonic integer.
func sequence(id string) uint64 {
	msStr, seqStr, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	ms, err := strconv.ParseUint(msStr, 10, 64)
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0
	}
	return ms<<20 | (seq & (1<<20 - 1))
}
