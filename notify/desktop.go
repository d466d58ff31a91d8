package notify

import (
	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DesktopNotifier shows notifications through the host desktop's
// notification service.
type DesktopNotifier struct {
	// AppIcon is an optional path to the application icon.
	AppIcon string
	log     zerolog.Logger
}

// NewDesktopNotifier creates a desktop notifier.
// The global zerolog logger is used if logger is nil.
func NewDesktopNotifier(appIcon string, logger *zerolog.Logger) *DesktopNotifier {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &DesktopNotifier{AppIcon: appIcon, log: l}
}

func (d *DesktopNotifier) Notify(n Notification) error {
	title := n.Title
	if n.Icon != "" {
		title = n.Icon + " " + title
	}
	if err := beeep.Notify(title, n.Body, d.AppIcon); err != nil {
		return err
	}
	d.log.Debug().Str("tag", n.Tag).Str("title", n.Title).Msg("Desktop notification shown")
	return nil
}
