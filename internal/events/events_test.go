package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(8, nil)
	all := bus.Subscribe(nil)
	one := bus.Subscribe(ForTask("t1"))

	bus.Emit(TaskCreated, "t1", map[string]any{"name": "app"})
	bus.Emit(TaskCreated, "t2", nil)

	e := receive(t, all)
	assert.Equal(t, TaskCreated, e.Type)
	assert.Equal(t, "t1", e.TaskID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "t2", receive(t, all).TaskID)

	assert.Equal(t, "t1", receive(t, one).TaskID)
	select {
	case e := <-one.C:
		t.Fatalf("unexpected event for other task: %+v", e)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(2, nil)
	slow := bus.Subscribe(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TaskProgress, "t", map[string]any{"percent": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(8), slow.Dropped())
}

func TestBus_CloseSubscription(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe(nil)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Emit(TaskCreated, "t", nil)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe(nil)

	bus.Close()
	bus.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	late := bus.Subscribe(nil)
	_, ok = <-late.C
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	bus.Emit(TaskCreated, "t", nil)
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus(1, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(TaskProgress, "t", nil)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Subscribe(nil).Close()
			}
		}()
	}
	wg.Wait()
	bus.Close()
}

func TestEvent_JSON(t *testing.T) {
	e := Event{
		Type:      TaskProgress,
		TaskID:    "t1",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Payload:   map[string]any{"percent": 40},
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"taskProgress","taskId":"t1","timestamp":"2026-03-04T05:06:07Z","payload":{"percent":40}}`, string(data))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "scaffoldd.events.t1.taskStarted", Subject("", Event{TaskID: "t1", Type: TaskStarted}))
	assert.Equal(t, "x.y._.taskCreated", Subject("x.y", Event{Type: TaskCreated}))
	assert.Equal(t, "p.a_b_.taskFailed", Subject("p", Event{TaskID: "a.b*", Type: TaskFailed}))
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSForwarder(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := ConnectNATS(server.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()

	observer, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer observer.Close()
	msgs, err := observer.SubscribeSync(DefaultSubjectPrefix + ".t1.>")
	require.NoError(t, err)
	require.NoError(t, observer.Flush())

	bus := NewBus(16, nil)
	fwd := NewNATSForwarder(bus, nc, "", nil)
	fwd.Start(context.Background())

	bus.Emit(TaskStarted, "t1", nil)
	bus.Emit(TaskProgress, "t1", map[string]any{"percent": 10})
	bus.Emit(TaskStarted, "t2", nil)

	msg, err := msgs.NextMsg(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "scaffoldd.events.t1.taskStarted", msg.Subject)

	msg, err = msgs.NextMsg(3 * time.Second)
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, TaskProgress, e.Type)
	assert.EqualValues(t, 10, e.Payload["percent"])

	_, err = msgs.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout, "other tasks use other subjects")

	fwd.Stop()
	assert.Equal(t, 0, bus.Subscribers())
}
