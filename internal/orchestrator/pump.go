package orchestrator

import (
	"bytes"
	"io"
	"sync"
	"time"

	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/streammux"
)

// flushInterval bounds how long output sits unflushed without a newline.
const flushInterval = 50 * time.Millisecond

type pumpResult struct {
	Bytes     int64
	Truncated bool
}

// pump moves one stream (stdout or stderr) into the mux, flushing on
// newline or every flushInterval, and enforces the per-stream byte cap.
type pump struct {
	kind string
	done chan struct{}

	mu  sync.Mutex
	res pumpResult
}

func (p *pump) result() pumpResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

// wait blocks until the stream is drained or the timeout elapses.
func (p *pump) wait(timeout time.Duration) pumpResult {
	select {
	case <-p.done:
	case <-time.After(timeout):
	}
	return p.result()
}

// startPump begins pumping r. On overflow the stream's kind is sent to
// overflow (once) and further output is discarded; the fibre terminates
// the program in response.
func (o *Orchestrator) startPump(execID, kind string, r io.ReadCloser, capBytes int64, overflow chan<- string) *pump {
	p := &pump{kind: kind, done: make(chan struct{})}
	chunks := make(chan []byte, 16)

	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				c := make([]byte, n)
				copy(c, buf[:n])
				chunks <- c
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		var pending []byte
		flush := func() {
			if len(pending) == 0 {
				return
			}
			o.mux.Publish(execID, streammux.Frame{Kind: kind, TS: time.Now(), Payload: pending})
			metrics.Get().FramesPublished.WithLabelValues(kind).Inc()
			pending = nil
		}

		notified := false
		for {
			select {
			case c, ok := <-chunks:
				if !ok {
					flush()
					return
				}
				p.mu.Lock()
				if p.res.Truncated {
					p.mu.Unlock()
					continue
				}
				if p.res.Bytes+int64(len(c)) > capBytes {
					keep := capBytes - p.res.Bytes
					if keep > 0 {
						pending = append(pending, c[:keep]...)
						p.res.Bytes = capBytes
					}
					p.res.Truncated = true
					p.mu.Unlock()
					flush()
					if !notified {
						notified = true
						select {
						case overflow <- kind:
						default:
						}
					}
					continue
				}
				p.res.Bytes += int64(len(c))
				p.mu.Unlock()
				pending = append(pending, c...)
				if bytes.IndexByte(pending, '\n') >= 0 {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()

	return p
}
