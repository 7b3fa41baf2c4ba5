package rtgs

import (
	"fmt"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

// Entry is a central-queue position.
type Entry struct {
	TxID           string              `json:"tx_id"`
	Priority       ledger.RTGSPriority `json:"priority"`
	SubmissionTick int64               `json:"submission_tick"`
	Seq            uint64              `json:"seq"`
}

// Queue is the central queue: one FIFO per declared priority band. Entries
// of a band are kept in (submission tick, seq) order, which is append order
// because ticks never go backwards.
type Queue struct {
	bands   [3][]Entry
	nextSeq uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends txID to the back of its band.
func (q *Queue) Push(txID string, p ledger.RTGSPriority, tick int64) (Entry, error) {
	band := p.Band()
	if band < 0 {
		return Entry{}, fmt.Errorf("push %s: invalid priority %q", txID, p)
	}
	q.nextSeq++
	e := Entry{TxID: txID, Priority: p, SubmissionTick: tick, Seq: q.nextSeq}
	q.bands[band] = append(q.bands[band], e)
	return e, nil
}

// Head returns the first entry of a band.
func (q *Queue) Head(p ledger.RTGSPriority) (Entry, bool) {
	band := p.Band()
	if band < 0 || len(q.bands[band]) == 0 {
		return Entry{}, false
	}
	return q.bands[band][0], true
}

// Remove deletes txID wherever it is queued.
func (q *Queue) Remove(txID string) (Entry, bool) {
	for b := range q.bands {
		for i, e := range q.bands[b] {
			if e.TxID == txID {
				q.bands[b] = append(q.bands[b][:i], q.bands[b][i+1:]...)
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Contains reports whether txID is queued.
func (q *Queue) Contains(txID string) bool {
	for b := range q.bands {
		for _, e := range q.bands[b] {
			if e.TxID == txID {
				return true
			}
		}
	}
	return false
}

// Len is the number of queued entries.
func (q *Queue) Len() int {
	n := 0
	for b := range q.bands {
		n += len(q.bands[b])
	}
	return n
}

// Entries returns every entry in queue order: band, then submission tick, then seq.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, 0, q.Len())
	for b := range q.bands {
		out = append(out, q.bands[b]...)
	}
	return out
}

// QueueState is the serialisable form of a Queue.
type QueueState struct {
	Entries []Entry `json:"entries"`
	NextSeq uint64  `json:"next_seq"`
}

// Export captures the queue.
func (q *Queue) Export() QueueState {
	return QueueState{Entries: q.Entries(), NextSeq: q.nextSeq}
}

// RestoreQueue rebuilds a queue, rejecting entries out of order.
func RestoreQueue(st QueueState) (*Queue, error) {
	q := NewQueue()
	for _, e := range st.Entries {
		band := e.Priority.Band()
		if band < 0 {
			return nil, fmt.Errorf("restore queue: %s has invalid priority %q", e.TxID, e.Priority)
		}
		if e.Seq > st.NextSeq {
			return nil, fmt.Errorf("restore queue: %s seq %d beyond %d", e.TxID, e.Seq, st.NextSeq)
		}
		if n := len(q.bands[band]); n > 0 {
			last := q.bands[band][n-1]
			if e.SubmissionTick < last.SubmissionTick || (e.SubmissionTick == last.SubmissionTick && e.Seq <= last.Seq) {
				return nil, fmt.Errorf("restore queue: %s out of order in band %s", e.TxID, e.Priority)
			}
		}
		q.bands[band] = append(q.bands[band], e)
	}
	q.nextSeq = st.NextSeq
	return q, nil
}

// AgentSummary aggregates the central queue for one agent.
type AgentSummary struct {
	OutgoingCount int
	OutgoingValue int64
	IncomingValue int64
}

// Summaries aggregates remaining amounts per sender and receiver.
func (q *Queue) Summaries(l *ledger.Ledger) map[string]AgentSummary {
	out := make(map[string]AgentSummary)
	for _, e := range q.Entries() {
		tx, ok := l.Transaction(e.TxID)
		if !ok {
			continue
		}
		s := out[tx.Sender]
		s.OutgoingCount++
		s.OutgoingValue += tx.RemainingAmount
		out[tx.Sender] = s

		r := out[tx.Receiver]
		r.IncomingValue += tx.RemainingAmount
		out[tx.Receiver] = r
	}
	return out
}
