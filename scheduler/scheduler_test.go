package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minaret-app/minaret/notify"
	"github.com/minaret-app/minaret/prayer"
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

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shown)
}

func (f *fakeNotifier) last() notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shown[len(f.shown)-1]
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

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeNotifier, *fakeBroadcaster) {
	t.Helper()
	recordStore, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordStore.Close() })

	notifier := &fakeNotifier{}
	broadcaster := &fakeBroadcaster{}
	s := New(Config{
		Store:       recordStore,
		Notifier:    notifier,
		Broadcaster: broadcaster,
		Location:    time.UTC,
	})
	return s, recordStore, notifier, broadcaster
}

// setClock pins the scheduler's clock to a fixed instant.
func setClock(s *Scheduler, now time.Time) {
	s.now = func() time.Time { return now }
}

func TestRecomputeSchedulesFutureEnabledPrayers(t *testing.T) {
	s, recordStore, _, _ := newTestScheduler(t)
	// 4 AM UTC, so fajr at 5:15 AM is in the future
	setClock(s, time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC))

	require.NoError(t, recordStore.PutSnapshot(store.Snapshot{
		Location: "Jakarta",
		Times:    map[string]string{"subh": "5:15 AM"},
	}))

	require.NoError(t, s.Recompute())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, prayer.Fajr, entries[0].Prayer)
	assert.False(t, entries[0].Notified)
	assert.Equal(t, "5:15 AM", entries[0].DisplayTime)
	assert.Equal(t,
		time.Date(2024, 3, 10, 5, 15, 0, 0, time.UTC).Unix(),
		entries[0].FireAt.Unix())
}

func TestRecomputeSkipsPastDisabledAndMissing(t *testing.T) {
	s, recordStore, _, _ := newTestScheduler(t)
	// noon: fajr and dhuhr have passed, asr is disabled, maghrib has no
	// time string, isha is malformed; only a future, enabled, parseable
	// prayer gets an entry
	setClock(s, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	settings := store.DefaultSettings()
	settings.Prayers[prayer.Asr] = false
	require.NoError(t, recordStore.PutSettings(settings))
	require.NoError(t, recordStore.PutSnapshot(store.Snapshot{
		Times: map[string]string{
			"subh":    "5:15 AM",
			"duhr":    "11:55 AM",
			"asar":    "3:10 PM",
			"maghrib": "",
			"isha":    "whenever",
		},
	}))

	require.NoError(t, s.Recompute())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecomputeClearsWhenDisabled(t *testing.T) {
	s, recordStore, _, _ := newTestScheduler(t)
	setClock(s, time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC))

	require.NoError(t, recordStore.PutSnapshot(store.Snapshot{
		Times: map[string]string{"subh": "5:15 AM"},
	}))
	require.NoError(t, s.Recompute())

	settings := store.DefaultSettings()
	settings.Enabled = false
	require.NoError(t, recordStore.PutSettings(settings))
	require.NoError(t, s.Recompute())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries, "disabling notifications clears pending entries")
}

func TestScanFiresWithinWindowExactlyOnce(t *testing.T) {
	s, recordStore, notifier, broadcaster := newTestScheduler(t)
	fireAt := time.Date(2024, 3, 10, 5, 15, 0, 0, time.UTC)
	require.NoError(t, recordStore.PutSnapshot(store.Snapshot{Location: "Jakarta"}))
	require.NoError(t, recordStore.ReplaceEntries([]store.Entry{
		{ID: "fajr", Prayer: prayer.Fajr, FireAt: fireAt, DisplayTime: "5:15 AM"},
	}))

	// 30 seconds past due: inside the window
	setClock(s, fireAt.Add(30*time.Second))
	assert.Equal(t, 1, s.Scan())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "prayer-fajr", notifier.shown[0].Tag)
	assert.Contains(t, notifier.shown[0].Body, "5:15 AM")
	assert.Contains(t, notifier.shown[0].Body, "Jakarta")

	require.Len(t, broadcaster.messages, 1)
	assert.Equal(t, notify.TypeNotificationShown, broadcaster.messages[0].Type)
	assert.NotEmpty(t, broadcaster.messages[0].ID)

	// scanning again must not fire again
	assert.Equal(t, 0, s.Scan())
	assert.Equal(t, 1, notifier.count())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Notified)
}

func TestScanBeforeWindowLeavesEntryPending(t *testing.T) {
	s, recordStore, notifier, _ := newTestScheduler(t)
	fireAt := time.Date(2024, 3, 10, 5, 15, 0, 0, time.UTC)
	require.NoError(t, recordStore.ReplaceEntries([]store.Entry{
		{ID: "fajr", Prayer: prayer.Fajr, FireAt: fireAt, DisplayTime: "5:15 AM"},
	}))

	setClock(s, fireAt.Add(-5*time.Minute))
	assert.Equal(t, 0, s.Scan())
	assert.Equal(t, 0, notifier.count())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	assert.False(t, entries[0].Notified)
}

func TestScanMissesEntryMoreThanWindowPastDue(t *testing.T) {
	s, recordStore, notifier, _ := newTestScheduler(t)
	fireAt := time.Date(2024, 3, 10, 5, 15, 0, 0, time.UTC)
	require.NoError(t, recordStore.ReplaceEntries([]store.Entry{
		{ID: "fajr", Prayer: prayer.Fajr, FireAt: fireAt, DisplayTime: "5:15 AM"},
	}))

	setClock(s, fireAt.Add(2*time.Minute))
	assert.Equal(t, 0, s.Scan())
	assert.Equal(t, 0, notifier.count())

	// missed forever: later scans do not resurrect it
	setClock(s, fireAt.Add(24*time.Hour))
	assert.Equal(t, 0, s.Scan())
	entries, err := recordStore.Entries()
	require.NoError(t, err)
	assert.False(t, entries[0].Notified)
}

func TestSettingsUpdateRoundTrip(t *testing.T) {
	s, recordStore, notifier, _ := newTestScheduler(t)
	now := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	setClock(s, now)

	settings := store.DefaultSettings()
	settings.Prayers[prayer.Sunrise] = false
	require.NoError(t, recordStore.PutSettings(settings))
	require.NoError(t, recordStore.PutSnapshot(store.Snapshot{
		Location: "Jakarta",
		Times: map[string]string{
			"subh":    "5:15 AM",
			"sunrise": "6:30 AM",
			"duhr":    "12:10 PM",
		},
	}))
	require.NoError(t, s.Recompute())

	entries, err := recordStore.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2, "sunrise disabled, others scheduled")

	// advance past fajr and scan: exactly one notification
	setClock(s, time.Date(2024, 3, 10, 5, 15, 10, 0, time.UTC))
	assert.Equal(t, 1, s.Scan())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "fajr", notifier.shown[0].Data["prayer"])

	// advance past dhuhr and scan: the second one fires, fajr stays fired
	setClock(s, time.Date(2024, 3, 10, 12, 10, 30, 0, time.UTC))
	assert.Equal(t, 1, s.Scan())
	assert.Equal(t, 2, notifier.count())
}

func TestTestFireBypassesSchedule(t *testing.T) {
	s, _, notifier, _ := newTestScheduler(t)

	s.TestFire("")
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "prayer-fajr", notifier.shown[0].Tag, "invalid prayer name falls back to fajr")

	s.TestFire(prayer.Maghrib)
	require.Equal(t, 2, notifier.count())
	assert.Equal(t, "prayer-maghrib", notifier.shown[1].Tag)
}

func TestPushUsesPayloadFieldsWhenPresent(t *testing.T) {
	s, _, notifier, _ := newTestScheduler(t)

	s.Push(PushPayload{Title: "Custom Title", Body: "Custom body", Prayer: prayer.Isha, URL: "/settings"})
	require.Equal(t, 1, notifier.count())
	shown := notifier.last()
	assert.Equal(t, "Custom Title", shown.Title)
	assert.Equal(t, "Custom body", shown.Body)
	assert.Equal(t, "prayer-isha", shown.Tag)
	assert.Equal(t, "/settings", shown.Data["url"])
}

func TestPushFallsBackToGenericReminder(t *testing.T) {
	s, _, notifier, _ := newTestScheduler(t)
	setClock(s, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	s.Push(PushPayload{})
	require.Equal(t, 1, notifier.count())
	shown := notifier.last()
	assert.Equal(t, "Prayer Reminder", shown.Title)
	assert.Contains(t, shown.Body, "12:00 PM")
	assert.Contains(t, shown.Body, "your area")
	assert.Equal(t, "prayer-reminder", shown.Tag)
	assert.Equal(t, "/", shown.Data["url"])
}

func TestStartIsRestartSafe(t *testing.T) {
	s, recordStore, notifier, _ := newTestScheduler(t)
	s.scanInterval = 10 * time.Millisecond
	fireAt := time.Now()
	require.NoError(t, recordStore.ReplaceEntries([]store.Entry{
		{ID: "fajr", Prayer: prayer.Fajr, FireAt: fireAt, DisplayTime: "5:15 AM"},
	}))

	// repeated activations must not accumulate timers or double-fire
	s.Start(t.Context())
	s.Start(t.Context())
	s.Start(t.Context())
	defer s.Stop()

	require.Eventually(t, func() bool { return notifier.count() > 0 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, notifier.count())
}
