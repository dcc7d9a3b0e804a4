package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// slidingWindow tracks success/failure counts over a rolling time
// window divided into fixed buckets, rotating out stale buckets lazily
// on each record. This is the same bucketed-rotation approach the
// teacher framework uses, trimmed of its time-skew-detection logging.
type slidingWindow struct {
	buckets    []bucket
	windowSize time.Duration
	bucketSize time.Duration
	currentIdx int
	lastRotate time.Time
	mu         sync.RWMutex
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		windowSize: windowSize,
		bucketSize: windowSize / time.Duration(bucketCount),
		lastRotate: now,
	}
}

func (sw *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotate)
	if elapsed < 0 {
		for i := range sw.buckets {
			sw.buckets[i] = bucket{timestamp: now}
		}
		sw.currentIdx = 0
		sw.lastRotate = now
		return
	}
	if elapsed < sw.bucketSize {
		return
	}
	toRotate := int(elapsed / sw.bucketSize)
	if toRotate > len(sw.buckets) {
		toRotate = len(sw.buckets)
	}
	for i := 0; i < toRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotate = now
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return
}

func (sw *slidingWindow) total() uint64 {
	s, f := sw.counts()
	return s + f
}

func (sw *slidingWindow) errorRate() float64 {
	s, f := sw.counts()
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}
