package session

import "github.com/pion/webrtc/v4"

// CandidateQueue holds remote candidates that arrived before the remote
// description. It drains once; afterwards Push refuses and the caller
// applies candidates directly. Not safe for concurrent use.
type CandidateQueue struct {
	items   []webrtc.ICECandidateInit
	drained bool
}

// Push buffers c and reports true, or reports false once drained.
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) bool {
	if q.drained {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns the buffered candidates in arrival order and closes the
// queue. Later calls return nil.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	if q.drained {
		return nil
	}
	q.drained = true
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int { return len(q.items) }

func (q *CandidateQueue) Drained() bool { return q.drained }
