package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-coordinator/internal/models"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, participant string

	mu     sync.Mutex
	events []models.Event
	full   bool
}

func newConn(id, participant string) *fakeConn {
	return &fakeConn{id: id, participant: participant}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) ParticipantID() string { return c.participant }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("send buffer full")
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) received() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func (c *fakeConn) types() []models.EventType {
	var out []models.EventType
	for _, ev := range c.received() {
		out = append(out, ev.Type)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmit_RoomIsolation(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	a, b, c := newConn("c1", "a"), newConn("c2", "b"), newConn("c3", "c")
	for _, conn := range []*fakeConn{a, b, c} {
		h.Register(conn)
	}
	h.Join(models.KindChat, "r1", a)
	h.Join(models.KindChat, "r1", b)
	h.Join(models.KindChat, "r2", c)
	h.Join(models.KindGame, "r1", c)

	h.Emit(ctx, models.NewEvent(models.KindChat, models.EventRoomJoined, "r1", nil))

	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received(), "other rooms and namespaces see nothing")
}

func TestEmit_ExcludesParticipant(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	a, b := newConn("c1", "a"), newConn("c2", "b")
	h.Join(models.KindGame, "r1", a)
	h.Join(models.KindGame, "r1", b)

	h.Emit(ctx, models.NewEvent(models.KindGame, models.EventMoveSubmitted, "r1", nil), "a")

	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
}

func TestLeave_StopsDelivery(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	a, b := newConn("c1", "a"), newConn("c2", "b")
	h.Register(a)
	h.Register(b)
	h.Join(models.KindPlayback, "r1", a)
	h.Join(models.KindPlayback, "r1", b)

	h.Leave(models.KindPlayback, "r1", "c2")
	h.Emit(ctx, models.NewEvent(models.KindPlayback, models.EventPlaybackPlay, "r1", nil))
	assert.Len(t, a.received(), 1)
	assert.Empty(t, b.received())

	left := h.Unregister(a)
	assert.Equal(t, []Membership{{Namespace: models.KindPlayback, RoomID: "r1"}}, left)
	assert.Empty(t, h.Groups(), "empty groups are dropped")
	assert.Equal(t, Stats{Connections: 1, Participants: 1}, h.Stats())
}

func TestClose_ReturnsParticipants(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	a, b := newConn("c1", "a"), newConn("c2", "b")
	h.Join(models.KindChat, "r1", a)
	h.Join(models.KindChat, "r1", b)

	assert.ElementsMatch(t, []string{"a", "b"}, h.Close(models.KindChat, "r1"))
	assert.Nil(t, h.Close(models.KindChat, "r1"))

	h.Emit(ctx, models.NewEvent(models.KindChat, models.EventRoomEnded, "r1", nil))
	assert.Empty(t, a.received())
	assert.Empty(t, h.LeaveAll("c1"))
}

func TestEmit_PreservesRoomOrder(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	a, b := newConn("c1", "a"), newConn("c2", "b")
	h.Join(models.KindGame, "r1", a)
	h.Join(models.KindGame, "r1", b)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h.Emit(ctx, models.NewEvent(models.KindGame, models.EventType(fmt.Sprintf("e%d.%d", w, i)), "r1", nil))
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, a.types(), 100)
	assert.Equal(t, a.types(), b.types(), "every member sees the same order")
}

func TestNotify_AllConnectionsOfParticipant(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	tab1, tab2, other := newConn("c1", "a"), newConn("c2", "a"), newConn("c3", "b")
	h.Register(tab1)
	h.Register(tab2)
	h.Register(other)

	h.Notify(ctx, "a", models.NewEvent(models.NamespaceSession, models.EventMatchFound, "", nil))

	assert.Len(t, tab1.received(), 1)
	assert.Len(t, tab2.received(), 1)
	assert.Empty(t, other.received())
	assert.True(t, h.Connected("a"))
	assert.False(t, h.Connected("z"))
}

func TestEmit_FullBufferDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	h := New(discardLogger())
	slow, fast := newConn("c1", "a"), newConn("c2", "b")
	slow.full = true
	h.Join(models.KindChat, "r1", slow)
	h.Join(models.KindChat, "r1", fast)

	h.Emit(ctx, models.NewEvent(models.KindChat, models.EventRoomJoined, "r1", nil))
	assert.Len(t, fast.received(), 1)
}

func TestRedisRelay_CrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1, h2 := New(discardLogger()), New(discardLogger())
	h1.UseRelay(NewRedisRelay(rdb, "", discardLogger()), "one")
	h2.UseRelay(NewRedisRelay(rdb, "", discardLogger()), "two")
	go func() { _ = h1.Run(ctx) }()
	go func() { _ = h2.Run(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultRelayChannel)[DefaultRelayChannel] == 2
	}, time.Second, 5*time.Millisecond)

	local, remote, direct := newConn("c1", "a"), newConn("c2", "b"), newConn("c3", "z")
	h1.Join(models.KindGame, "r1", local)
	h2.Join(models.KindGame, "r1", remote)
	h2.Register(direct)

	h1.Emit(ctx, models.NewEvent(models.KindGame, models.EventMoveApplied, "r1", nil))
	h1.Notify(ctx, "z", models.NewEvent(models.NamespaceSession, models.EventMatchFound, "", nil))

	assert.Eventually(t, func() bool { return len(remote.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(direct.received()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, local.received(), 1, "origin does not receive its own relayed copy")
}

func TestNatsRelay_CrossInstanceDelivery(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	connect := func() *nats.Conn {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		return nc
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1, h2 := New(discardLogger()), New(discardLogger())
	h1.UseRelay(NewNatsRelay(connect(), "", discardLogger()), "one")
	h2.UseRelay(NewNatsRelay(connect(), "", discardLogger()), "two")
	go func() { _ = h1.Run(ctx) }()
	go func() { _ = h2.Run(ctx) }()
	require.Eventually(t, func() bool {
		return srv.NumSubscriptions() == 2
	}, time.Second, 5*time.Millisecond)

	local, remote := newConn("c1", "a"), newConn("c2", "b")
	h1.Join(models.KindPlayback, "r1", local)
	h2.Join(models.KindPlayback, "r1", remote)

	h1.Emit(ctx, models.NewEvent(models.KindPlayback, models.EventPlaybackSeek, "r1", nil))

	assert.Eventually(t, func() bool { return len(remote.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, local.received(), 1)
}
