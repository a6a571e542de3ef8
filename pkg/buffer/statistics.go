package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
	started   time.Time
}

// NewStatistics creates a zeroed statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	s.setSize(size)
}

func (s *Statistics) read(n, size int) {
	s.reads.Add(int64(n))
	s.setSize(size)
}

func (s *Statistics) overflow() {
	s.overflows.Add(1)
}

func (s *Statistics) setSize(size int) {
	v := int64(size)
	s.size.Store(v)
	for {
		max := s.maxSize.Load()
		if v <= max || s.maxSize.CompareAndSwap(max, v) {
			return
		}
	}
}

// Writes returns the number of accepted writes
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read or drained
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items lost to the overflow policy
func (s *Statistics) Drops() int64 { return s.overflows.Load() }

// CurrentSize returns the item count at the last operation
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the high-water mark
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops / (writes + drops)
func (s *Statistics) DropRate() float64 {
	drops := s.Drops()
	total := s.Writes() + drops
	if total == 0 {
		return 0
	}
	return float64(drops) / float64(total)
}

// Summary is a point-in-time snapshot
type Summary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	DropRate    float64       `json:"drop_rate"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
		Uptime:      time.Since(s.started),
	}
}
