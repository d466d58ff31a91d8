// Package notify delivers prayer notifications to the host OS and
// fire-and-forget messages to any open application pages.
package notify

// Message types understood by the foreground pages.
const (
	TypeNotificationShown = "PRAYER_NOTIFICATION_SHOWN"
	TypeReload            = "RELOAD"
)

// Action is one interactive button on a notification.
type Action struct {
	ID    string `json:"action"`
	Title string `json:"title"`
}

// Notification is an OS-level notification. The tag is unique per prayer so
// that repeated notifications for the same prayer replace rather than stack.
type Notification struct {
	Tag     string            `json:"tag"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Icon    string            `json:"icon"`
	Actions []Action          `json:"actions"`
	Data    map[string]string `json:"data"`
}

// StandardActions returns the view/dismiss action pair every prayer
// notification carries.
func StandardActions() []Action {
	return []Action{
		{ID: "view", Title: "View"},
		{ID: "dismiss", Title: "Dismiss"},
	}
}

// Notifier emits OS-level notifications.
type Notifier interface {
	Notify(n Notification) error
}

// Message is a fire-and-forget payload broadcast to open pages.
type Message struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster pushes messages to any open foreground pages, best-effort.
type Broadcaster interface {
	Publish(msg Message) error
}
