// Package streammux fans out the output of one execution to any number of
// subscribers with total ordering, bounded replay, and lag-dropping.
//
// Each execution gets its own publisher actor: a single goroutine owns the
// ring, the sequence counter, and the subscriber set, so a writer and many
// readers meet without shared locks.
package streammux

import (
	"sync"
	"time"
)

// Frame kinds.
const (
	KindStdout = "stdout"
	KindStderr = "stderr"
	KindStatus = "status"
)

// Status payloads carried by status frames.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusStopped   = "stopped"
	StatusLagged    = "subscriber-lagged"
	StatusEnded     = "ended"
)

// Frame is one unit of streamed output. Seq is monotonically increasing
// per execution; stdout/stderr payloads are raw bytes, status payloads are
// the status string.
type Frame struct {
	Kind    string    `json:"kind"`
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Payload []byte    `json:"payload"`
}

// StatusFrame builds an unsequenced status frame; Publish assigns Seq.
func StatusFrame(status string) Frame {
	return Frame{Kind: KindStatus, TS: time.Now(), Payload: []byte(status)}
}

// DefaultSubscriberBuffer is the per-subscriber frame buffer; a subscriber
// that falls further behind is dropped.
const DefaultSubscriberBuffer = 256

// DefaultRingBytes bounds the replay ring by cumulative payload size:
// room for both capped output streams plus the status frames around them.
const DefaultRingBytes = 4 << 20

type subscribeReq struct {
	fromSeq uint64
	reply   chan (<-chan Frame)
}

type publisher struct {
	pubCh   chan Frame
	subCh   chan subscribeReq
	closeCh chan Frame
	done    chan struct{}

	ringBytes int64
	bufSize   int
	tap       func(Frame)
}

// Mux is the registry of per-execution publishers.
type Mux struct {
	mu         sync.RWMutex
	publishers map[string]*publisher

	ringBytes int64
	bufSize   int
}

// New returns a Mux with default ring and buffer sizes.
func New() *Mux {
	return &Mux{
		publishers: make(map[string]*publisher),
		ringBytes:  DefaultRingBytes,
		bufSize:    DefaultSubscriberBuffer,
	}
}

// Open creates the publisher for an execution. Must be called before any
// Publish or Subscribe for that id. tap, when non-nil, observes every
// sequenced frame from inside the actor; it must not block.
func (m *Mux) Open(execID string, tap func(Frame)) {
	p := &publisher{
		pubCh:     make(chan Frame, 64),
		subCh:     make(chan subscribeReq),
		closeCh:   make(chan Frame, 1),
		done:      make(chan struct{}),
		ringBytes: m.ringBytes,
		bufSize:   m.bufSize,
		tap:       tap,
	}
	m.mu.Lock()
	m.publishers[execID] = p
	m.mu.Unlock()
	go p.run()
}

// Publish appends a frame for the execution. Frames published after Close
// are discarded.
func (m *Mux) Publish(execID string, f Frame) {
	m.mu.RLock()
	p := m.publishers[execID]
	m.mu.RUnlock()
	if p == nil {
		return
	}
	select {
	case p.pubCh <- f:
	case <-p.done:
	}
}

// Subscribe attaches to a live execution. The returned channel first
// replays retained frames with sequence >= fromSeq, then delivers live
// frames, then the terminal frame, then closes. ok is false when the
// execution has already finalised (or never existed); callers synthesise
// an ended status from the persisted record in that case.
func (m *Mux) Subscribe(execID string, fromSeq uint64) (<-chan Frame, bool) {
	m.mu.RLock()
	p := m.publishers[execID]
	m.mu.RUnlock()
	if p == nil {
		return nil, false
	}
	req := subscribeReq{fromSeq: fromSeq, reply: make(chan (<-chan Frame), 1)}
	select {
	case p.subCh <- req:
		return <-req.reply, true
	case <-p.done:
		return nil, false
	}
}

// Close publishes the terminal frame, delivers it to every remaining
// subscriber, closes their channels, and removes the publisher.
func (m *Mux) Close(execID string, final Frame) {
	m.mu.Lock()
	p := m.publishers[execID]
	delete(m.publishers, execID)
	m.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.closeCh <- final:
		<-p.done
	case <-p.done:
	}
}

type subscriber struct {
	ch chan Frame
}

func (p *publisher) run() {
	var (
		seq       uint64
		ring      []Frame
		ringBytes int64
		subs      []*subscriber
	)

	appendRing := func(f Frame) Frame {
		seq++
		f.Seq = seq
		if f.TS.IsZero() {
			f.TS = time.Now()
		}
		ring = append(ring, f)
		ringBytes += int64(len(f.Payload))
		// Evict oldest first once cumulative payload exceeds the bound;
		// the newest frame always stays.
		for len(ring) > 1 && ringBytes > p.ringBytes {
			ringBytes -= int64(len(ring[0].Payload))
			ring = ring[1:]
		}
		if p.tap != nil {
			p.tap(f)
		}
		return f
	}

	// deliver sends to one subscriber, dropping it on lag. The channel
	// keeps one slot spare beyond bufSize so the lagged notice always fits.
	deliver := func(s *subscriber, f Frame) bool {
		if len(s.ch) >= p.bufSize {
			lagged := Frame{Kind: KindStatus, Seq: f.Seq, TS: time.Now(), Payload: []byte(StatusLagged)}
			select {
			case s.ch <- lagged:
			default:
			}
			close(s.ch)
			return false
		}
		s.ch <- f
		return true
	}

	fanout := func(f Frame) {
		kept := subs[:0]
		for _, s := range subs {
			if deliver(s, f) {
				kept = append(kept, s)
			}
		}
		subs = kept
	}

	for {
		select {
		case f := <-p.pubCh:
			fanout(appendRing(f))

		case req := <-p.subCh:
			var replay []Frame
			for _, f := range ring {
				if f.Seq >= req.fromSeq {
					replay = append(replay, f)
				}
			}
			capacity := p.bufSize + 1
			if len(replay) > p.bufSize {
				capacity = len(replay) + 1
			}
			s := &subscriber{ch: make(chan Frame, capacity)}
			for _, f := range replay {
				s.ch <- f
			}
			subs = append(subs, s)
			req.reply <- s.ch

		case final := <-p.closeCh:
			// Drain anything already queued so the terminal frame is last.
			for {
				select {
				case f := <-p.pubCh:
					fanout(appendRing(f))
					continue
				default:
				}
				break
			}
			f := appendRing(final)
			for _, s := range subs {
				if len(s.ch) < cap(s.ch) {
					s.ch <- f
				}
				close(s.ch)
			}
			close(p.done)
			return
		}
	}
}
