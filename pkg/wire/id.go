package wire

import (
	"strconv"
	"sync/atomic"
	"time"
)

var idSeq uint64

// NewMessageID returns a decimal identifier unique for the lifetime of this
// process: a monotonic millisecond timestamp combined with a per-process
// counter, so two messages emitted within the same millisecond still get
// distinct ids.
func NewMessageID() string {
	ms := uint64(time.Now().UnixMilli())
	n := atomic.AddUint64(&idSeq, 1) % 1000
	return strconv.FormatUint(ms*1000+n, 10)
}
