package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	state, err := checkpoint.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return New(state)
}

func appendN(t *testing.T, tr *Tracker, n int) []migration.ChangeMessage {
	t.Helper()
	var out []migration.ChangeMessage
	for i := 0; i < n; i++ {
		m, err := tr.Append(context.Background(), migration.ChangeMessage{
			ObjectID:   int64(1000 + i),
			ObjectType: migration.Node,
			ChangeType: migration.ChangeUpdate,
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestRegisterProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	msgs := appendN(t, tr, 1)

	require.NoError(t, tr.RegisterProcessed(ctx, msgs[0].ChangeNumber, "search"))
	require.NoError(t, tr.RegisterProcessed(ctx, msgs[0].ChangeNumber, "search"))

	ok, err := tr.IsProcessed(ctx, msgs[0].ChangeNumber, "search")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListUnprocessedExcludesProcessed(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	msgs := appendN(t, tr, 6)

	for _, i := range []int{0, 2, 3} {
		require.NoError(t, tr.RegisterProcessed(ctx, msgs[i].ChangeNumber, "search"))
	}

	got, err := tr.ListUnprocessed(ctx, "search", 10)
	require.NoError(t, err)
	var nums []int64
	for _, m := range got {
		nums = append(nums, m.ChangeNumber)
	}
	assert.Equal(t, []int64{msgs[1].ChangeNumber, msgs[4].ChangeNumber, msgs[5].ChangeNumber}, nums)

	limited, err := tr.ListUnprocessed(ctx, "search", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, msgs[1].ChangeNumber, limited[0].ChangeNumber)

	// Queues are independent.
	other, err := tr.ListUnprocessed(ctx, "audit", 100)
	require.NoError(t, err)
	assert.Len(t, other, 6)
}

func TestTrackerValidation(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)

	_, err := tr.ListUnprocessed(ctx, "search", 0)
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
	_, err = tr.ListUnprocessed(ctx, " ", 5)
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
	assert.ErrorIs(t, tr.RegisterProcessed(ctx, 1, ""), migration.ErrInvalidArgument)

	_, err = tr.Append(ctx, migration.ChangeMessage{ObjectType: "NOPE", ChangeType: migration.ChangeCreate})
	assert.ErrorIs(t, err, migration.ErrNotFound)
	_, err = tr.Append(ctx, migration.ChangeMessage{ObjectType: migration.Node, ChangeType: "MOVE"})
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
}

// fakeQueue redelivers anything not deleted.
type fakeQueue struct {
	mu      sync.Mutex
	pending map[string][]byte
	order   []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: make(map[string][]byte)}
}

func (q *fakeQueue) push(t *testing.T, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	q.pushRaw(data)
}

func (q *fakeQueue) pushRaw(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := fmt.Sprintf("r%d", len(q.order))
	q.pending[h] = data
	q.order = append(q.order, h)
}

func (q *fakeQueue) Receive(_ context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, h := range q.order {
		if body, ok := q.pending[h]; ok && len(out) < max {
			out = append(out, Message{Body: body, ReceiptHandle: h})
		}
	}
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, h string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, h)
	return nil
}

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func TestConsumerProcessesOnce(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	msgs := appendN(t, tr, 2)

	q := newFakeQueue()
	q.push(t, msgs[0])
	q.push(t, msgs[1])
	q.push(t, msgs[0]) // duplicate delivery

	var handled []int64
	c := &Consumer{Tracker: tr, Queue: q, QueueName: "search", Handler: func(_ context.Context, m migration.ChangeMessage) error {
		handled = append(handled, m.ChangeNumber)
		return nil
	}}

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{msgs[0].ChangeNumber, msgs[1].ChangeNumber}, handled)
	assert.Zero(t, q.size())

	unprocessed, err := tr.ListUnprocessed(ctx, "search", 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestConsumerHandlerFailureLeavesMessage(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	msgs := appendN(t, tr, 1)

	q := newFakeQueue()
	q.push(t, msgs[0])

	fail := true
	c := &Consumer{Tracker: tr, Queue: q, QueueName: "search", Handler: func(context.Context, migration.ChangeMessage) error {
		if fail {
			return errors.New("index unavailable")
		}
		return nil
	}}

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, q.size())

	ok, _ := tr.IsProcessed(ctx, msgs[0].ChangeNumber, "search")
	assert.False(t, ok)

	fail = false
	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.size())
}

func TestConsumerDropsMalformed(t *testing.T) {
	q := newFakeQueue()
	q.pushRaw([]byte("{not json"))
	c := &Consumer{Tracker: newTracker(t), Queue: q, QueueName: "search", Handler: func(context.Context, migration.ChangeMessage) error {
		t.Fatal("handler called for malformed message")
		return nil
	}}

	_, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, q.size())
}
