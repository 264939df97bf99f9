package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates unique, roughly time-ordered 64-bit row ids.
// Layout: 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last timestamp << sequenceBits | sequence
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. epoch is in milliseconds; an out of range
// workerID falls back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next id. It is lock-free and safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		ts := time.Now().UnixMilli()
		if ts < last {
			// clock went backwards; keep counting on the last timestamp
			ts = last
		}

		if ts == last {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				// sequence exhausted for this millisecond
				for ts <= last {
					ts = time.Now().UnixMilli()
				}
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, ts<<sequenceBits|seq) {
			return (ts-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}
