package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minaret-app/minaret/cache"
	"github.com/minaret-app/minaret/notify"
	"github.com/minaret-app/minaret/prayer"
	"github.com/minaret-app/minaret/scheduler"
	"github.com/minaret-app/minaret/store"
)

type fakeNotifier struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (f *fakeNotifier) Notify(n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, n)
	return nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeBroadcaster) Publish(msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

type fixture struct {
	handler     http.Handler
	store       *store.Store
	cacheDB     cache.SQLiteCache
	manager     *cache.Manager
	notifier    *fakeNotifier
	broadcaster *fakeBroadcaster
	activated   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	recordStore, err := store.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordStore.Close() })
	cacheDB, err := cache.NewSQLiteCache(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)

	originURL, _ := url.Parse("http://origin")
	manager := cache.NewManager(cache.ManagerConfig{
		Cache:      cacheDB,
		Generation: "v7",
		OriginURL:  *originURL,
	})
	require.NoError(t, cacheDB.Provision(manager.CurrentPartitions()...))

	f := &fixture{
		store:       recordStore,
		cacheDB:     cacheDB,
		manager:     manager,
		notifier:    &fakeNotifier{},
		broadcaster: &fakeBroadcaster{},
	}
	sched := scheduler.New(scheduler.Config{
		Store:       recordStore,
		Notifier:    f.notifier,
		Broadcaster: f.broadcaster,
		Location:    time.UTC,
	})
	f.handler = New(Config{
		Manager:     manager,
		Store:       recordStore,
		Scheduler:   sched,
		Broadcaster: f.broadcaster,
		Activate: func(ctx context.Context) error {
			f.activated++
			return manager.Activate(ctx)
		},
	}).Routes()
	return f
}

func (f *fixture) command(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t)
	rr := f.command(t, `{"type":"GET_VERSION"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reply))
	assert.Equal(t, "v7", reply["version"])
}

func TestSkipWaitingActivates(t *testing.T) {
	f := newFixture(t)
	rr := f.command(t, `{"type":"SKIP_WAITING"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, f.activated)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cacheDB.Put(f.manager.Partition(cache.PartitionAPI), "/v1/x", []byte("data")))

	rr := f.command(t, `{"type":"CLEAR_CACHE"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	_, ok, err := f.cacheDB.Get(f.manager.Partition(cache.PartitionAPI), "/v1/x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForceUpdateClearsAndAsksPagesToReload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cacheDB.Put(f.manager.Partition(cache.PartitionFallback), "/about", []byte("data")))

	rr := f.command(t, `{"type":"FORCE_UPDATE"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	_, ok, _ := f.cacheDB.Get(f.manager.Partition(cache.PartitionFallback), "/about")
	assert.False(t, ok)
	require.Len(t, f.broadcaster.messages, 1)
	assert.Equal(t, notify.TypeReload, f.broadcaster.messages[0].Type)
}

func TestUpdateSettingsTriggersRecompute(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutSnapshot(store.Snapshot{
		Location: "Jakarta",
		Times:    map[string]string{"subh": "5:15 AM", "isha": "7:30 PM"},
	}))

	// a snapshot alone schedules nothing until a recompute runs
	rr := f.command(t, `{"type":"UPDATE_SETTINGS","data":{"enabled":true,"prayers":{"fajr":true}}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	settings, err := f.store.Settings()
	require.NoError(t, err)
	assert.True(t, settings.Prayers[prayer.Fajr])
	assert.False(t, settings.Prayers[prayer.Isha], "settings replaced wholesale")

	entries, err := f.store.Entries()
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, prayer.Fajr, entry.Prayer)
	}
}

func TestUpdatePrayerTimesStampsAndRecomputes(t *testing.T) {
	f := newFixture(t)
	before := time.Now().Add(-time.Second)

	rr := f.command(t, `{"type":"UPDATE_PRAYER_TIMES","data":{"location":"Jakarta","times":{"subh":"5:15 AM"}}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	snap, ok, err := f.store.Snapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jakarta", snap.Location)
	assert.True(t, snap.UpdatedAt.After(before), "snapshot must be stamped with an update timestamp")
}

func TestTestNotification(t *testing.T) {
	f := newFixture(t)

	rr := f.command(t, `{"type":"TEST_NOTIFICATION"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.notifier.shown, 1)
	assert.Equal(t, "prayer-fajr", f.notifier.shown[0].Tag)

	rr = f.command(t, `{"type":"TEST_NOTIFICATION","data":{"prayer":"isha"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.notifier.shown, 2)
	assert.Equal(t, "prayer-isha", f.notifier.shown[1].Tag)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	rr := f.command(t, `{"type":"MAKE_COFFEE"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	rr := f.command(t, `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSyncRunsScan(t *testing.T) {
	f := newFixture(t)
	// a due entry fires when the sync hook triggers a scan
	require.NoError(t, f.store.ReplaceEntries([]store.Entry{
		{ID: "maghrib", Prayer: prayer.Maghrib, FireAt: time.Now(), DisplayTime: "6:05 PM"},
	}))

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest("POST", "/sync", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, f.notifier.shown, 1)
	assert.Equal(t, "prayer-maghrib", f.notifier.shown[0].Tag)
}

func TestPushShowsRelayedNotification(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	body := bytes.NewReader([]byte(`{"title":"Eid Mubarak","body":"Eid prayer at 7:00 AM","url":"/eid"}`))
	f.handler.ServeHTTP(rr, httptest.NewRequest("POST", "/push", body))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, f.notifier.shown, 1)
	assert.Equal(t, "Eid Mubarak", f.notifier.shown[0].Title)
	assert.Equal(t, "/eid", f.notifier.shown[0].Data["url"])
}

func TestPushMalformedPayloadFallsBackToGeneric(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	body := bytes.NewReader([]byte(`{"title":`))
	f.handler.ServeHTTP(rr, httptest.NewRequest("POST", "/push", body))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, f.notifier.shown, 1)
	assert.Equal(t, "Prayer Reminder", f.notifier.shown[0].Title)
}
