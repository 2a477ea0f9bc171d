package flease

import (
	"fmt"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// StageStats is a point-in-time copy of a Stage's counters.
type StageStats struct {
	Identity Identity `json:"identity"`
	Cells    int      `json:"cells"`
	Open     int      `json:"open"`
	Backup   int      `json:"backup"`

	Sent     map[string]int64 `json:"sent"`
	Received map[string]int64 `json:"received"`

	// inbound messages dropped before reaching a cell.
	Malformed int64 `json:"malformed"`
	Overflow  int64 `json:"overflow"`

	Commits  int64 `json:"commits"`
	Renewals int64 `json:"renewals"`
	Backups  int64 `json:"backups"`
	Retries  int64 `json:"retries"`
	Failures int64 `json:"failures"`
	Panics   int64 `json:"panics"`

	// election latency, from first PREPARE to commit.
	Elections      int64   `json:"elections"`
	ElectionP50Ms  float64 `json:"electionP50Ms"`
	ElectionP99Ms  float64 `json:"electionP99Ms"`
	ElectionMaxMs  float64 `json:"electionMaxMs"`
	LastElectionMs float64 `json:"lastElectionMs"`
}

func (st *StageStats) String() string {
	return fmt.Sprintf("StageStats{%v cells:%v open:%v backup:%v commits:%v renewals:%v retries:%v failures:%v malformed:%v elections p50:%.1fms p99:%.1fms}",
		st.Identity, st.Cells, st.Open, st.Backup, st.Commits, st.Renewals, st.Retries, st.Failures, st.Malformed, st.ElectionP50Ms, st.ElectionP99Ms)
}

// stageCounters lives in the Stage. Only the atomics
// are touched off the Stage goroutine.
type stageCounters struct {
	sent     [RENEW + 1]int64
	received [RENEW + 1]int64

	malformed atomic.Int64
	overflow  atomic.Int64

	Commits  int64
	Renewals int64
	Backups  int64
	Retries  int64
	Failures int64
	Panics   int64

	elections  int64
	maxElectMs float64
	lastMs     float64
	td         *tdigest.TDigest
}

func newStageCounters() *stageCounters {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &stageCounters{td: td}
}

func (c *stageCounters) addElectionLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	c.elections++
	c.lastMs = ms
	if ms > c.maxElectMs {
		c.maxElectMs = ms
	}
	if err := c.td.Add(ms); err != nil {
		alwaysPrintf("tdigest Add(%v) error: %v", ms, err)
	}
}

func (s *Stage) snapshotStats() *StageStats {
	c := s.stats
	st := &StageStats{
		Identity:       s.me,
		Cells:          len(s.cells),
		Sent:           make(map[string]int64),
		Received:       make(map[string]int64),
		Malformed:      c.malformed.Load(),
		Overflow:       c.overflow.Load(),
		Commits:        c.Commits,
		Renewals:       c.Renewals,
		Backups:        c.Backups,
		Retries:        c.Retries,
		Failures:       c.Failures,
		Panics:         c.Panics,
		Elections:      c.elections,
		ElectionMaxMs:  c.maxElectMs,
		LastElectionMs: c.lastMs,
	}
	for t := range c.sent {
		if c.sent[t] > 0 {
			st.Sent[MsgType(t).String()] = c.sent[t]
		}
		if c.received[t] > 0 {
			st.Received[MsgType(t).String()] = c.received[t]
		}
	}
	if c.elections > 0 {
		st.ElectionP50Ms = c.td.Quantile(0.5)
		st.ElectionP99Ms = c.td.Quantile(0.99)
	}
	for _, cl := range s.cells {
		switch cl.phase {
		case OPEN:
			st.Open++
		case BACKUP:
			st.Backup++
		}
	}
	return st
}
