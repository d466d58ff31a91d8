// Package scheduler derives per-prayer fire times from the stored snapshot
// and settings, persists them as pending entries, and scans those entries on
// a recurring timer to fire due notifications exactly once.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minaret-app/minaret/notify"
	"github.com/minaret-app/minaret/prayer"
	"github.com/minaret-app/minaret/store"
)

const (
	// fireWindow is how far from an entry's fire time a scan may still fire
	// it. Entries further past due are missed and never fired.
	fireWindow = 60 * time.Second
	// defaultScanInterval is the recurring scan period.
	defaultScanInterval = 30 * time.Second
	// defaultLocationLabel is used when the snapshot has no location.
	defaultLocationLabel = "your area"
)

// Config configures a Scheduler.
type Config struct {
	Store       *store.Store
	Notifier    notify.Notifier
	Broadcaster notify.Broadcaster
	// Location is the timezone prayer time strings are interpreted in.
	// time.Local is used if nil.
	Location *time.Location
	// TargetURL is the page opened when a notification is clicked.
	TargetURL string
	// ScanInterval overrides the recurring scan period, for tests.
	ScanInterval time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Scheduler owns the recurring scan timer and all pending-entry transitions.
// It keeps no state outside the store, so it is safely restartable.
type Scheduler struct {
	store        *store.Store
	notifier     notify.Notifier
	broadcaster  notify.Broadcaster
	location     *time.Location
	targetURL    string
	scanInterval time.Duration
	log          zerolog.Logger

	// now is swapped out in tests.
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Scheduler. The timer is not started; call Start.
func New(config Config) *Scheduler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	location := config.Location
	if location == nil {
		location = time.Local
	}
	scanInterval := config.ScanInterval
	if scanInterval == 0 {
		scanInterval = defaultScanInterval
	}
	targetURL := config.TargetURL
	if targetURL == "" {
		targetURL = "/"
	}
	return &Scheduler{
		store:        config.Store,
		notifier:     config.Notifier,
		broadcaster:  config.Broadcaster,
		location:     location,
		targetURL:    targetURL,
		scanInterval: scanInterval,
		log:          logger,
		now:          time.Now,
	}
}

// Start establishes the recurring scan timer, cancelling any previous one
// first so repeated activations never accumulate duplicate timers.
// An immediate scan runs before the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info().Dur("interval", s.scanInterval).Msg("Starting notification scan timer")
	go func() {
		s.Scan()
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Scan()
			}
		}
	}()
}

// Stop cancels the recurring scan timer, if running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Recompute replaces all pending entries from the current settings and
// snapshot. Only future-dated fire times are scheduled; prayers that are
// disabled, missing from the snapshot, or unparseable are skipped.
func (s *Scheduler) Recompute() error {
	settings, err := s.store.Settings()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read settings, using defaults")
	}
	if !settings.Enabled {
		s.log.Debug().Msg("Notifications disabled, clearing pending entries")
		return s.store.ReplaceEntries(nil)
	}
	snapshot, ok, err := s.store.Snapshot()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read snapshot")
	}
	if !ok {
		s.log.Debug().Msg("No prayer-times snapshot yet, clearing pending entries")
		return s.store.ReplaceEntries(nil)
	}

	now := s.now()
	entries := make([]store.Entry, 0, 6)
	for _, name := range prayer.Names() {
		if !settings.Prayers[name] {
			continue
		}
		timeString := snapshot.Times[name.ProviderKey()]
		if timeString == "" {
			continue
		}
		fireAt, err := prayer.ParseClock12(timeString, now.In(s.location), s.location)
		if err != nil {
			s.log.Warn().Err(err).Str("prayer", string(name)).Msg("Skipping unparseable prayer time")
			continue
		}
		if !fireAt.After(now) {
			continue
		}
		entries = append(entries, store.Entry{
			ID:          string(name),
			Prayer:      name,
			FireAt:      fireAt,
			DisplayTime: timeString,
			Notified:    false,
		})
	}
	if err := s.store.ReplaceEntries(entries); err != nil {
		return err
	}
	s.log.Info().Int("pending", len(entries)).Str("location", snapshot.Location).
		Msg("Recomputed scheduled notifications")
	return nil
}

// Scan fires every pending entry whose fire time is within the fire window
// of now. Firing is guarded by the store's notified check-and-set, so
// concurrent or repeated scans cannot double-fire an entry. It returns the
// number of notifications fired.
func (s *Scheduler) Scan() int {
	entries, err := s.store.Entries()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read pending entries")
		return 0
	}
	location := s.locationLabel()
	now := s.now()
	fired := 0
	for _, entry := range entries {
		if entry.Notified {
			continue
		}
		delta := now.Sub(entry.FireAt)
		if delta < -fireWindow || delta > fireWindow {
			continue
		}
		won, err := s.store.MarkNotified(entry.ID)
		if err != nil {
			s.log.Error().Err(err).Str("prayer", string(entry.Prayer)).Msg("Could not mark entry notified")
			continue
		}
		if !won {
			continue
		}
		s.fire(entry.Prayer, entry.DisplayTime, location)
		fired++
	}
	if fired > 0 {
		s.log.Info().Int("fired", fired).Msg("Scan fired notifications")
	}
	return fired
}

// PushPayload is a remotely delivered notification request.
type PushPayload struct {
	Title  string      `json:"title,omitempty"`
	Body   string      `json:"body,omitempty"`
	Prayer prayer.Name `json:"prayer,omitempty"`
	URL    string      `json:"url,omitempty"`
}

// Push shows a notification for a remotely delivered message, bypassing the
// scheduled entries. Absent fields fall back to the prayer's reminder
// template, with the arrival time as the display time.
func (s *Scheduler) Push(p PushPayload) {
	displayTime := s.now().In(s.location).Format("3:04 PM")
	title, body := prayer.TemplateFor(p.Prayer).Render(displayTime, s.locationLabel())
	if p.Title != "" {
		title = p.Title
	}
	if p.Body != "" {
		body = p.Body
	}
	url := p.URL
	if url == "" {
		url = s.targetURL
	}
	tag := "prayer-reminder"
	if p.Prayer.Valid() {
		tag = "prayer-" + string(p.Prayer)
	}
	notification := notify.Notification{
		Tag:     tag,
		Title:   title,
		Body:    body,
		Icon:    prayer.TemplateFor(p.Prayer).Icon,
		Actions: notify.StandardActions(),
		Data: map[string]string{
			"prayer": string(p.Prayer),
			"url":    url,
		},
	}
	if err := s.notifier.Notify(notification); err != nil {
		s.log.Error().Err(err).Msg("Could not show pushed notification")
	}
}

// TestFire emits a synthetic notification for the given prayer, bypassing
// the scheduled entries entirely. It is meant for verifying the notification
// path end to end.
func (s *Scheduler) TestFire(name prayer.Name) {
	if !name.Valid() {
		name = prayer.Fajr
	}
	s.fire(name, "12:00 PM", s.locationLabel())
}

func (s *Scheduler) fire(name prayer.Name, displayTime, location string) {
	title, body := prayer.TemplateFor(name).Render(displayTime, location)
	notification := notify.Notification{
		Tag:     "prayer-" + string(name),
		Title:   title,
		Body:    body,
		Icon:    prayer.TemplateFor(name).Icon,
		Actions: notify.StandardActions(),
		Data: map[string]string{
			"prayer":   string(name),
			"time":     displayTime,
			"location": location,
			"url":      s.targetURL,
		},
	}
	if err := s.notifier.Notify(notification); err != nil {
		s.log.Error().Err(err).Str("prayer", string(name)).Msg("Could not show notification")
	}
	if s.broadcaster == nil {
		return
	}
	err := s.broadcaster.Publish(notify.Message{
		ID:   ulid.Make().String(),
		Type: notify.TypeNotificationShown,
		Payload: map[string]string{
			"prayer":   string(name),
			"time":     displayTime,
			"location": location,
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("prayer", string(name)).Msg("Could not notify open pages")
	}
}

func (s *Scheduler) locationLabel() string {
	snapshot, ok, err := s.store.Snapshot()
	if err != nil || !ok || snapshot.Location == "" {
		return defaultLocationLabel
	}
	return snapshot.Location
}
