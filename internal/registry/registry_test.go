package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape-ai/drape/pkg/types"
)

func newSession(userID, projectID string) *types.Session {
	now := time.Now()
	return &types.Session{
		UserID:      userID,
		ProjectID:   projectID,
		ContainerID: "c-" + projectID,
		AgentURL:    "http://10.0.0.2:4000",
		ServerID:    "local",
		CreatedAt:   now,
		LastUsed:    now,
	}
}

func TestSetGetDelete(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))

	r.Set(newSession("u1", "p1"))
	require.NotNil(t, r.Get("u1", "p1"))
	assert.Nil(t, r.Get("u2", "p1"))

	// Re-setting the same key keeps a single record.
	r.Set(newSession("u1", "p1"))
	assert.Len(t, r.ListByUser("u1"), 1)

	r.Delete("u1", "p1")
	assert.Nil(t, r.Get("u1", "p1"))
}

func TestGetByProjectPrefersLatest(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))

	old := newSession("u1", "p1")
	old.LastUsed = time.Now().Add(-time.Hour)
	r.Set(old)

	fresh := newSession("u2", "p1")
	r.Set(fresh)

	got := r.GetByProject("p1")
	require.NotNil(t, got)
	assert.Equal(t, "u2", got.UserID)
}

func TestGetByContainer(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))
	s := newSession("u1", "p1")
	s.ContainerID = "abc123"
	r.Set(s)

	require.NotNil(t, r.GetByContainer("abc123"))
	assert.Nil(t, r.GetByContainer("missing"))
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	r := New(path)
	r.Set(newSession("u1", "p1"))
	r.Set(newSession("u2", "p2"))
	r.Close()

	r2 := New(path)
	assert.NotNil(t, r2.Get("u1", "p1"))
	assert.NotNil(t, r2.Get("u2", "p2"))
	assert.Len(t, r2.All(), 2)
}

func TestLoadLegacyKeylessEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	legacy := map[string]*types.Session{
		"p1": {ProjectID: "p1", ContainerID: "c1", CreatedAt: time.Now(), LastUsed: time.Now()},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	r := New(path)
	got := r.Get(LegacyUserID, "p1")
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ContainerID)
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	r := New(path)
	assert.Empty(t, r.All())
}

func TestWithLockSerializesSameKey(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))

	var mu sync.Mutex
	var order []int
	inBody := 0
	maxInBody := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.WithLock("u1", "p1", func() error {
				mu.Lock()
				inBody++
				if inBody > maxInBody {
					maxInBody = inBody
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inBody--
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInBody, "lock bodies for the same key must not overlap")
	assert.Len(t, order, 10)
}

func TestWithLockDistinctKeysDoNotBlock(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))

	release := make(chan struct{})
	held := make(chan struct{})

	go r.WithLock("u1", "p1", func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	done := make(chan struct{})
	go r.WithLock("u1", "p2", func() error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a distinct key blocked")
	}
	close(release)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "sessions.json"))

	s := newSession("u1", "p1")
	s.LastUsed = time.Now().Add(-time.Hour)
	r.Set(s)

	r.Touch("u1", "p1")
	got := r.Get("u1", "p1")
	assert.WithinDuration(t, time.Now(), got.LastUsed, time.Second)
	assert.False(t, got.LastUsed.Before(got.CreatedAt))
}
