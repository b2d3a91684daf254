// Package limiter provides an optional shared bandwidth ceiling for a
// bridge's forwarded traffic, backed by github.com/juju/ratelimit's
// token bucket.
package limiter

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

const theoreticalMaxBandwidth = 500 * 1024 * 1024 * 1024 // 500 GB/s ceiling when unconfigured
const numBuckets = 5                                     // 5 one-second buckets for a 5s rate window

// throttledConn wraps net.Conn, metering reads and writes against the
// shared bucket and recording them for rate observation.
type throttledConn struct {
	net.Conn
	bucket  *ratelimit.Bucket
	limiter *SharedLimiter
}

func (t *throttledConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.bucket.Wait(int64(n))
		if t.limiter != nil {
			t.limiter.recordBytes(int64(n))
		}
	}
	return n, err
}

func (t *throttledConn) Write(p []byte) (int, error) {
	t.bucket.Wait(int64(len(p)))
	n, err := t.Conn.Write(p)
	if err == nil && t.limiter != nil {
		t.limiter.recordBytes(int64(n))
	}
	return n, err
}

type timeBucket struct {
	bytes     int64 // atomic
	timestamp int64 // atomic, unix timestamp
}

// SharedLimiter is a per-bridge rate ceiling shared by every relay
// goroutine serving that bridge's sessions.
type SharedLimiter struct {
	bucket     *ratelimit.Bucket
	maxRate    int64
	buckets    [numBuckets]timeBucket
	currentIdx int64
	lastRotate int64
	windowSize time.Duration
}

// New constructs a limiter capped at bytesPerSec. A non-positive value
// disables shaping (the ceiling becomes theoreticalMaxBandwidth).
func New(bytesPerSec int64) *SharedLimiter {
	if bytesPerSec <= 0 {
		bytesPerSec = theoreticalMaxBandwidth
	}
	b := ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)
	now := time.Now().Unix()
	sl := &SharedLimiter{
		bucket:     b,
		maxRate:    bytesPerSec,
		windowSize: 5 * time.Second,
		lastRotate: now,
	}
	for i := range sl.buckets {
		atomic.StoreInt64(&sl.buckets[i].timestamp, now)
	}
	return sl
}

func (l *SharedLimiter) recordBytes(n int64) {
	now := time.Now().Unix()
	lastRotate := atomic.LoadInt64(&l.lastRotate)

	if now > lastRotate {
		if atomic.CompareAndSwapInt64(&l.lastRotate, lastRotate, now) {
			currentIdx := atomic.LoadInt64(&l.currentIdx)
			nextIdx := (currentIdx + 1) % numBuckets
			atomic.StoreInt64(&l.currentIdx, nextIdx)
			atomic.StoreInt64(&l.buckets[nextIdx].bytes, 0)
			atomic.StoreInt64(&l.buckets[nextIdx].timestamp, now)
		}
	}

	idx := atomic.LoadInt64(&l.currentIdx)
	atomic.AddInt64(&l.buckets[idx].bytes, n)
}

// WrapConn wraps c so every read/write is metered against the shared
// bucket.
func (l *SharedLimiter) WrapConn(c net.Conn) net.Conn {
	return &throttledConn{Conn: c, bucket: l.bucket, limiter: l}
}

// GetActiveRate returns the observed bytes/sec over the trailing
// window, used by the admin surface.
func (l *SharedLimiter) GetActiveRate() int64 {
	now := time.Now().Unix()
	cutoff := now - int64(l.windowSize.Seconds())

	var totalBytes int64
	oldestTimestamp := now

	for i := 0; i < numBuckets; i++ {
		ts := atomic.LoadInt64(&l.buckets[i].timestamp)
		if ts >= cutoff {
			totalBytes += atomic.LoadInt64(&l.buckets[i].bytes)
			if ts < oldestTimestamp {
				oldestTimestamp = ts
			}
		}
	}

	duration := now - oldestTimestamp
	if duration > 0 {
		return totalBytes / duration
	}
	return 0
}

// GetMaxRate returns the configured ceiling.
func (l *SharedLimiter) GetMaxRate() int64 {
	return l.maxRate
}
