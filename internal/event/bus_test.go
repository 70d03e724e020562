package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	unsub := bus.Subscribe(FileEdited, func(e Event) { got <- e })
	defer unsub()

	bus.PublishSync(FileEdited, FileData{ProjectID: "p1", Path: "a.ts"})

	select {
	case e := <-got:
		require.Equal(t, FileEdited, e.Type)
		data, err := DataAs[FileData](e)
		require.NoError(t, err)
		assert.Equal(t, "a.ts", data.Path)
		assert.Equal(t, "p1", data.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })
	defer unsub()

	bus.PublishSync(SessionDeleted, SessionData{UserID: "u1", ProjectID: "p1"})
	bus.PublishSync(FileChanged, FileData{ProjectID: "p1", Path: "x"})
	bus.PublishSync(SessionCreated, SessionData{UserID: "u1", ProjectID: "p1"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "the broker filters by topic")
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var seen []EventType
	var mu sync.Mutex
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsub()

	bus.PublishSync(SessionCreated, SessionData{})
	bus.PublishSync(FileChanged, FileData{})
	bus.PublishSync(PreviewReady, PreviewData{ProjectID: "p1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{SessionCreated, FileChanged, PreviewReady}, seen,
		"catch-all deliveries carry the concrete type in metadata")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })

	bus.PublishSync(SessionCreated, SessionData{})
	require.Equal(t, int32(1), atomic.LoadInt32(&count))

	unsub()
	// The broker drops the subscription asynchronously on context cancel.
	time.Sleep(50 * time.Millisecond)

	bus.PublishSync(SessionCreated, SessionData{})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestPublishAsyncDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	done := make(chan struct{})
	unsub := bus.Subscribe(PreviewFailed, func(Event) { close(done) })
	defer unsub()

	bus.Publish(PreviewFailed, PreviewData{ProjectID: "p1", Reason: "crash"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async publish not delivered")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })
	require.NoError(t, bus.Close())

	bus.PublishSync(SessionCreated, SessionData{})
	assert.Zero(t, atomic.LoadInt32(&count))

	// Subscribing after close hands back an inert unsubscribe.
	unsub := bus.Subscribe(SessionCreated, func(Event) {})
	unsub()
}

func TestGlobalReset(t *testing.T) {
	var count int32
	Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })

	PublishSync(SessionCreated, SessionData{})
	require.Equal(t, int32(1), atomic.LoadInt32(&count))

	Reset()

	PublishSync(SessionCreated, SessionData{})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "reset drops all subscribers")
}

func TestConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(FileChanged, func(Event) {})
			defer unsub()
			for j := 0; j < 10; j++ {
				bus.PublishSync(FileChanged, FileData{ProjectID: "p", Path: "f"})
			}
		}()
	}
	wg.Wait()
	// The race detector is the real assertion here.
}
