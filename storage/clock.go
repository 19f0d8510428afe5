package storage

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns a Unix-milli timestamp that is strictly greater than
// any previously returned value in this process. Events for a room are
// published in mutation-completion order, so two mutations landing in the
// same millisecond must still get distinct, ordered UpdatedAt values.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixMilli()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
