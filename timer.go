package flease

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	rb "github.com/glycerine/rbtree"
)

// TimerService schedules the Stage's internal events.
// Events may fire late, never early. A fired event
// goes back to the Stage, which drops it if its
// generation is stale.
type TimerService interface {
	Schedule(ev *Message, fireAt time.Time)
	CancelAllFor(cellID string)
	Close()
}

type timerItem struct {
	fireAt time.Time
	seq    uint64
	ev     *Message
}

// TimerQueue is the default TimerService: a red-black
// tree ordered by (fireAt, seq) and one goroutine
// that hands due events to deliver.
type TimerQueue struct {
	mut  sync.Mutex
	tree *rb.Tree
	seq  uint64

	deliver func(ev *Message)

	// poke the goroutine when the earliest deadline changes.
	wake chan struct{}

	Halt *idem.Halter
}

// NewTimerQueue starts the delivery goroutine.
// deliver is called from that goroutine and should
// return promptly once the consumer is shutting down.
func NewTimerQueue(deliver func(ev *Message)) *TimerQueue {
	q := &TimerQueue{
		tree:    rb.NewTree(compareTimerItems),
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		Halt:    idem.NewHalterNamed("flease.TimerQueue"),
	}
	go q.run()
	return q
}

// order by fireAt, then by insertion order.
func compareTimerItems(a, b rb.Item) int {
	av := a.(*timerItem)
	bv := b.(*timerItem)
	if av == bv {
		return 0
	}
	if av.fireAt.Before(bv.fireAt) {
		return -1
	}
	if av.fireAt.After(bv.fireAt) {
		return 1
	}
	if av.seq < bv.seq {
		return -1
	}
	if av.seq > bv.seq {
		return 1
	}
	return 0
}

func (q *TimerQueue) Schedule(ev *Message, fireAt time.Time) {
	if ev == nil {
		panic("do not Schedule a nil event!")
	}
	q.mut.Lock()
	q.seq++
	item := &timerItem{fireAt: fireAt, seq: q.seq, ev: ev}
	_, it := q.tree.InsertGetIt(item)
	first := q.tree.Min()
	becameMin := first.Item() == it.Item()
	q.mut.Unlock()

	if becameMin {
		q.poke()
	}
}

func (q *TimerQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// CancelAllFor drops every pending event for cellID.
func (q *TimerQueue) CancelAllFor(cellID string) {
	q.mut.Lock()
	defer q.mut.Unlock()

	// collect first; deleting while iterating
	// can invalidate the successor iterator.
	var doomed []*timerItem
	for it := q.tree.Min(); !it.Limit(); it = it.Next() {
		item := it.Item().(*timerItem)
		if item.ev.CellID == cellID {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		it, found := q.tree.FindGE_isEqual(item)
		if found {
			q.tree.DeleteWithIterator(it)
		}
	}
}

// Len reports the number of pending events.
func (q *TimerQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.tree.Len()
}

func (q *TimerQueue) Close() {
	q.Halt.ReqStop.Close()
	<-q.Halt.Done.Chan
}

// popDue removes the events due at now, and says
// how long until the next one (-1 if none pending).
func (q *TimerQueue) popDue(now time.Time) (due []*Message, wait time.Duration) {
	q.mut.Lock()
	defer q.mut.Unlock()
	for q.tree.Len() > 0 {
		it := q.tree.Min()
		item := it.Item().(*timerItem)
		if item.fireAt.After(now) {
			return due, item.fireAt.Sub(now)
		}
		q.tree.DeleteWithIterator(it)
		due = append(due, item.ev)
	}
	return due, -1
}

func (q *TimerQueue) run() {
	defer func() {
		q.mut.Lock()
		q.tree.DeleteAll()
		q.mut.Unlock()
		q.Halt.Done.Close()
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := q.popDue(time.Now())
		for _, ev := range due {
			if q.Halt.ReqStop.IsClosed() {
				return
			}
			q.deliver(ev)
		}
		if len(due) > 0 {
			// time passed while delivering; look again.
			continue
		}
		if wait < 0 {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-q.wake:
			if !timer.Stop() {
				// drain, pre go1.23 semantics safe.
				select {
				case <-timer.C:
				default:
				}
			}
		case <-q.Halt.ReqStop.Chan:
			return
		}
	}
}
