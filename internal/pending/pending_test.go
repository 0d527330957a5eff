package pending

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) deliver(out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

func (r *recorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func TestRegisterAllocatesMonotonicIDs(t *testing.T) {
	table := NewTable(0)

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, table.Register(Origin{RequestID: int64(i)}, nil))
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
	assert.Equal(t, 5, table.Len())
}

func TestResolveDeliversOnce(t *testing.T) {
	table := NewTable(0)
	rec := &recorder{}

	id := table.Register(Origin{ClientID: "c1", RequestID: 1}, rec.deliver)

	assert.True(t, table.Resolve(id, Outcome{Result: json.RawMessage(`{"frameId":"F1"}`)}))
	assert.False(t, table.Resolve(id, Outcome{Result: json.RawMessage(`{}`)}), "second resolve must miss")
	assert.False(t, table.Resolve(99, Outcome{}), "unknown id must miss")

	outs := rec.all()
	require.Len(t, outs, 1)
	assert.JSONEq(t, `{"frameId":"F1"}`, string(outs[0].Result))
	assert.Equal(t, 0, table.Len())
}

func TestFailAllDrainsInOrder(t *testing.T) {
	table := NewTable(0)
	reason := errors.New("extension disconnected")

	var mu sync.Mutex
	var order []int64
	for i := int64(1); i <= 4; i++ {
		req := i
		table.Register(Origin{RequestID: req}, func(out Outcome) {
			assert.ErrorIs(t, out.Err, reason)
			mu.Lock()
			order = append(order, req)
			mu.Unlock()
		})
	}

	assert.Equal(t, 4, table.FailAll(reason))
	assert.Equal(t, []int64{1, 2, 3, 4}, order)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, table.FailAll(reason))
}

func TestResetRestartsIDsOnlyOnEmptyTable(t *testing.T) {
	table := NewTable(0)
	rec := &recorder{}
	reason := errors.New("extension disconnected")

	table.Register(Origin{RequestID: 1}, rec.deliver)
	table.Register(Origin{RequestID: 2}, rec.deliver)

	assert.Equal(t, uint64(1), table.Reset(reason))
	assert.Equal(t, uint64(1), table.Generation())
	require.Len(t, rec.all(), 2)
	for _, out := range rec.all() {
		assert.ErrorIs(t, out.Err, reason)
	}

	assert.Equal(t, int64(1), table.Register(Origin{RequestID: 3}, nil))
}

func TestResolveInRejectsEarlierGeneration(t *testing.T) {
	table := NewTable(0)
	old := table.Generation()
	table.Register(Origin{RequestID: 1}, nil)

	gen := table.Reset(errors.New("superseded"))
	rec := &recorder{}
	id := table.Register(Origin{RequestID: 2}, rec.deliver)
	require.Equal(t, int64(1), id, "ids restart after reset")

	assert.False(t, table.ResolveIn(old, id, Outcome{Result: json.RawMessage(`{"stale":true}`)}))
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, table.Len())

	assert.True(t, table.ResolveIn(gen, id, Outcome{Result: json.RawMessage(`{"fresh":true}`)}))
	outs := rec.all()
	require.Len(t, outs, 1)
	assert.JSONEq(t, `{"fresh":true}`, string(outs[0].Result))
	assert.Equal(t, 0, table.Len())
}

func TestTimeoutFailsAndRemoves(t *testing.T) {
	table := NewTable(20 * time.Millisecond)
	done := make(chan Outcome, 1)

	id := table.Register(Origin{RequestID: 1}, func(out Outcome) { done <- out })

	select {
	case out := <-done:
		assert.ErrorIs(t, out.Err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Resolve(id, Outcome{Result: json.RawMessage(`{}`)}))
}

func TestStaleTimerDoesNotExpireReusedID(t *testing.T) {
	table := NewTable(30 * time.Millisecond)
	first := &recorder{}
	second := &recorder{}

	table.Register(Origin{RequestID: 1}, first.deliver)
	table.Reset(errors.New("reset"))

	// Same id as the drained entry, registered with a fresh timer.
	id := table.Register(Origin{RequestID: 2}, second.deliver)
	assert.Equal(t, int64(1), id)
	assert.True(t, table.Resolve(id, Outcome{Result: json.RawMessage(`{}`)}))

	time.Sleep(60 * time.Millisecond)
	require.Len(t, first.all(), 1)
	require.Len(t, second.all(), 1)
	assert.NoError(t, second.all()[0].Err)
}

func TestConcurrentRegisterYieldsUniqueIDs(t *testing.T) {
	table := NewTable(0)

	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids <- table.Register(Origin{RequestID: int64(i)}, nil)
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, table.Len())
}

func TestResolveRacesTimeoutExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		table := NewTable(time.Millisecond)
		rec := &recorder{}
		id := table.Register(Origin{}, rec.deliver)

		time.Sleep(time.Millisecond)
		table.Resolve(id, Outcome{Result: json.RawMessage(`{}`)})
		time.Sleep(5 * time.Millisecond)

		assert.Len(t, rec.all(), 1)
	}
}
