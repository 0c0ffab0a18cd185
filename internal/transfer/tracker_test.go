package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	a, ctxA := tr.Begin(context.Background(), Info{PlayerID: "p1", Path: "/m/a.mp3"})
	b, _ := tr.Begin(context.Background(), Info{PlayerID: "p1", Path: "/m/b.mp3"})
	c, _ := tr.Begin(context.Background(), Info{PlayerID: "p2"})

	assert.Equal(t, []*Status{a, b}, tr.ActiveFor("p1"), "registration order is kept")
	assert.Len(t, tr.ActiveFor("p2"), 1)
	assert.Equal(t, 3, tr.Len())
	assert.NotEqual(t, a.ID, b.ID)

	tr.Update(a, 100)
	tr.Update(a, 50)
	tr.Update(a, -3)
	assert.Equal(t, int64(150), a.BytesTransferred())

	tr.Remove(a)
	assert.False(t, a.Active())
	assert.Error(t, ctxA.Err(), "removal releases the transfer context")
	assert.Equal(t, []*Status{b}, tr.ActiveFor("p1"))

	tr.Remove(a)
	tr.Remove(b)
	tr.Remove(c)
	assert.Empty(t, tr.ActiveFor("p1"))
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerTerminate(t *testing.T) {
	tr := NewTracker()
	s, ctx := tr.Begin(context.Background(), Info{PlayerID: "p"})

	assert.False(t, tr.TerminateByID("nope"))
	require.True(t, tr.TerminateByID(s.ID))

	assert.True(t, s.Terminated())
	assert.True(t, s.Active(), "termination does not unregister, the owner removes")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("terminate must cancel the transfer context")
	}
	tr.Remove(s)
	_, ok := tr.Get(s.ID)
	assert.False(t, ok)
}

func TestTrackerConcurrentUse(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			player := "even"
			if i%2 == 1 {
				player = "odd"
			}
			s, _ := tr.Begin(context.Background(), Info{PlayerID: player})
			for j := 0; j < 100; j++ {
				tr.Update(s, 10)
				_ = tr.ActiveFor(player)
			}
			assert.Equal(t, int64(1000), s.BytesTransferred())
			tr.Remove(s)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.All())
}

func TestStatusBitRate(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	tr := NewTracker()
	tr.now = func() time.Time { return clock }

	s, _ := tr.Begin(context.Background(), Info{PlayerID: "p"})
	assert.InDelta(t, 0, s.BitRate(), 0)

	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Second)
		tr.Update(s, 16_000) // 128 kbit per second
	}
	assert.InDelta(t, 128, s.BitRate(), 0.5)

	snap := s.Snapshot()
	assert.Equal(t, "p", snap.PlayerID)
	assert.Equal(t, int64(160_000), snap.Bytes)
	assert.True(t, snap.Active)
	tr.Remove(s)
}
