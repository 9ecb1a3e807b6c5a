package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(seq uint64) AudioFrame {
	return AudioFrame{
		Seq:        seq,
		CapturedAt: time.Unix(0, 0).Add(time.Duration(seq) * DefaultFrameDuration),
		Duration:   DefaultFrameDuration,
		SampleRate: DefaultSampleRate,
		PCM:        make([]byte, BytesPerFrame(DefaultSampleRate, DefaultFrameDuration)),
		Direction:  Inbound,
	}
}

func TestFrameBusFanOut(t *testing.T) {
	bus := NewFrameBus()
	vad := bus.Subscribe("vad", 4)
	stt := bus.Subscribe("stt", 4)

	n := bus.Publish(testFrame(1))
	assert.Equal(t, 2, n)

	for _, ch := range []<-chan AudioFrame{vad, stt} {
		select {
		case f := <-ch:
			assert.Equal(t, uint64(1), f.Seq)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("subscriber did not receive frame")
		}
	}
}

func TestFrameBusSubscribeSameNameReturnsSameChannel(t *testing.T) {
	bus := NewFrameBus()
	a := bus.Subscribe("vad", 1)
	b := bus.Subscribe("vad", 8)
	assert.Equal(t, a, b)
}

func TestFrameBusFullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewFrameBus()
	slow := bus.Subscribe("slow", 1)
	fast := bus.Subscribe("fast", 10)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 5; i++ {
			bus.Publish(testFrame(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(4), bus.Dropped("slow"))
	assert.Equal(t, uint64(0), bus.Dropped("fast"))
	assert.Len(t, fast, 5)
	assert.Equal(t, uint64(1), (<-slow).Seq)
}

func TestFrameBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewFrameBus()
	ch := bus.Subscribe("vad", 1)
	bus.Unsubscribe("vad")

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Publish(testFrame(1)))
}

func TestFrameBusCloseIsIdempotent(t *testing.T) {
	bus := NewFrameBus()
	ch := bus.Subscribe("vad", 1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Publish(testFrame(1)))

	late := bus.Subscribe("late", 1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestFrameBusConcurrentPublish(t *testing.T) {
	bus := NewFrameBus()
	ch := bus.Subscribe("sink", 1000)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(testFrame(uint64(w*100 + i)))
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, ch, 400)
}

func TestAudioFrameValidate(t *testing.T) {
	ok := testFrame(1)
	assert.NoError(t, ok.Validate(DefaultSampleRate))

	empty := ok
	empty.PCM = nil
	assert.ErrorIs(t, empty.Validate(DefaultSampleRate), ErrMalformedAudio)

	odd := ok
	odd.PCM = make([]byte, 11)
	assert.ErrorIs(t, odd.Validate(DefaultSampleRate), ErrMalformedAudio)

	rate := ok
	rate.SampleRate = 8000
	assert.ErrorIs(t, rate.Validate(DefaultSampleRate), ErrMalformedAudio)

	short := ok
	short.PCM = make([]byte, 100)
	assert.ErrorIs(t, short.Validate(DefaultSampleRate), ErrMalformedAudio)
}

func TestBytesPerFrame(t *testing.T) {
	assert.Equal(t, 640, BytesPerFrame(16000, 20*time.Millisecond))
	assert.Equal(t, 320, BytesPerFrame(8000, 20*time.Millisecond))
}

func TestClearableChan(t *testing.T) {
	cc := NewClearableChan(3)
	assert.True(t, cc.Send(testFrame(1)))
	assert.True(t, cc.Send(testFrame(2)))
	assert.True(t, cc.Send(testFrame(3)))
	assert.False(t, cc.Send(testFrame(4)), "full queue drops")

	assert.Equal(t, 3, cc.Len())
	assert.Equal(t, 3, cc.Clear())
	assert.Equal(t, 0, cc.Len())

	cc.Send(testFrame(5))
	f := <-cc.Chan()
	assert.Equal(t, uint64(5), f.Seq)
}
