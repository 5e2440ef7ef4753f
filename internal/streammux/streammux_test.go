package streammux

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Frame) []Frame {
	var out []Frame
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func TestOrderingAndTerminalFrame(t *testing.T) {
	m := New()
	m.Open("exec-1", nil)

	ch, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)

	m.Publish("exec-1", StatusFrame(StatusQueued))
	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("hello\n")})
	m.Publish("exec-1", Frame{Kind: KindStderr, Payload: []byte("warn\n")})
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(ch)
	require.Len(t, frames, 4)

	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq)
	}
	assert.Equal(t, KindStatus, frames[0].Kind)
	assert.Equal(t, StatusQueued, string(frames[0].Payload))
	assert.Equal(t, "hello\n", string(frames[1].Payload))
	assert.Equal(t, "warn\n", string(frames[2].Payload))
	assert.Equal(t, StatusCompleted, string(frames[3].Payload))
}

func TestReplayFromSeq(t *testing.T) {
	m := New()
	m.Open("exec-1", nil)

	for i := 0; i < 10; i++ {
		m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte(fmt.Sprintf("line %d\n", i))})
	}

	// Late subscriber asking for a mid-stream resume point.
	ch, ok := m.Subscribe("exec-1", 6)
	require.True(t, ok)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(ch)
	require.Len(t, frames, 6) // seq 6..10 plus terminal
	assert.Equal(t, uint64(6), frames[0].Seq)
	assert.Equal(t, "line 5\n", string(frames[0].Payload))
	assert.Equal(t, StatusCompleted, string(frames[len(frames)-1].Payload))
}

func TestRingEviction(t *testing.T) {
	m := New()
	m.ringBytes = 8
	m.Open("exec-1", nil)

	for i := 0; i < 20; i++ {
		m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte{byte(i)}})
	}

	ch, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(ch)
	require.Len(t, frames, 9) // last 8 payload bytes retained plus terminal
	assert.Equal(t, uint64(13), frames[0].Seq)
}

func TestRingEvictsByPayloadBytes(t *testing.T) {
	m := New()
	m.ringBytes = 10
	m.Open("exec-1", nil)

	// 6 + 6 exceeds the bound, so the first frame goes; 3 more fits.
	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("aaaaaa")})
	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("bbbbbb")})
	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("ccc")})

	ch, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(ch)
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(2), frames[0].Seq)
	assert.Equal(t, "bbbbbb", string(frames[0].Payload))
	assert.Equal(t, "ccc", string(frames[1].Payload))
	assert.Equal(t, StatusCompleted, string(frames[2].Payload))
}

func TestOversizedFrameRetainedAlone(t *testing.T) {
	m := New()
	m.ringBytes = 4
	m.Open("exec-1", nil)

	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("larger than the whole ring")})

	ch, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(ch)
	require.Len(t, frames, 2)
	assert.Equal(t, "larger than the whole ring", string(frames[0].Payload))
}

func TestSlowSubscriberDropped(t *testing.T) {
	m := New()
	m.bufSize = 4
	m.Open("exec-1", nil)

	slow, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)

	// Never read from slow; overflow its buffer.
	for i := 0; i < 10; i++ {
		m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("x")})
	}
	m.Close("exec-1", StatusFrame(StatusCompleted))

	frames := collect(slow)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, KindStatus, last.Kind)
	assert.Equal(t, StatusLagged, string(last.Payload))
	// Dropped before the terminal frame was appended.
	assert.Less(t, len(frames), 11)
}

func TestFastSubscriberUnaffectedBySlowOne(t *testing.T) {
	m := New()
	m.bufSize = 4
	m.Open("exec-1", nil)

	slow, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)

	fast, ok := m.Subscribe("exec-1", 0)
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []Frame
	go func() {
		defer wg.Done()
		got = collect(fast)
	}()

	for i := 0; i < 50; i++ {
		m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("x")})
	}
	m.Close("exec-1", StatusFrame(StatusCompleted))
	wg.Wait()

	require.Len(t, got, 51)
	assert.Equal(t, StatusCompleted, string(got[50].Payload))
	_ = collect(slow)
}

func TestSubscribeAfterCloseReportsGone(t *testing.T) {
	m := New()
	m.Open("exec-1", nil)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	_, ok := m.Subscribe("exec-1", 0)
	assert.False(t, ok)

	_, ok = m.Subscribe("never-existed", 0)
	assert.False(t, ok)
}

func TestPublishAfterCloseIsDiscarded(t *testing.T) {
	m := New()
	m.Open("exec-1", nil)
	m.Close("exec-1", StatusFrame(StatusCompleted))

	done := make(chan struct{})
	go func() {
		m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("late")})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after close blocked")
	}
}

func TestTapObservesSequencedFrames(t *testing.T) {
	m := New()

	var mu sync.Mutex
	var tapped []Frame
	m.Open("exec-1", func(f Frame) {
		mu.Lock()
		tapped = append(tapped, f)
		mu.Unlock()
	})

	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("a")})
	m.Publish("exec-1", Frame{Kind: KindStdout, Payload: []byte("b")})
	m.Close("exec-1", StatusFrame(StatusCompleted))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tapped, 3)
	assert.Equal(t, uint64(1), tapped[0].Seq)
	assert.Equal(t, uint64(3), tapped[2].Seq)
}
