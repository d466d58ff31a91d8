// Package prayer holds the fixed six-prayer enumeration together with the
// provider key and notification message template for each prayer.
package prayer

import (
	"fmt"
	"strings"
	"time"
)

// Name identifies one of the six daily prayer events.
type Name string

const (
	Fajr    Name = "fajr"
	Sunrise Name = "sunrise"
	Dhuhr   Name = "dhuhr"
	Asr     Name = "asr"
	Maghrib Name = "maghrib"
	Isha    Name = "isha"
)

// Names returns all prayer names in canonical order.
func Names() []Name {
	return []Name{Fajr, Sunrise, Dhuhr, Asr, Maghrib, Isha}
}

// Valid reports whether n is one of the six known prayer names.
func (n Name) Valid() bool {
	switch n {
	case Fajr, Sunrise, Dhuhr, Asr, Maghrib, Isha:
		return true
	}
	return false
}

// ProviderKey returns the key under which the upstream data provider
// publishes the time for this prayer. The provider uses its own spellings
// for some of the prayers.
func (n Name) ProviderKey() string {
	switch n {
	case Fajr:
		return "subh"
	case Dhuhr:
		return "duhr"
	case Asr:
		return "asar"
	}
	return string(n)
}

// Template is the notification message for a prayer. Title and Body may
// contain the placeholders {time} and {location}.
type Template struct {
	Title string
	Body  string
	Icon  string
}

var templates = map[Name]Template{
	Fajr:    {Title: "Fajr Prayer Time", Body: "It's time for Fajr prayer ({time}) in {location}.", Icon: "🌅"},
	Sunrise: {Title: "Sunrise", Body: "The sun has risen ({time}) in {location}. Fajr time has ended.", Icon: "☀️"},
	Dhuhr:   {Title: "Dhuhr Prayer Time", Body: "It's time for Dhuhr prayer ({time}) in {location}.", Icon: "🕛"},
	Asr:     {Title: "Asr Prayer Time", Body: "It's time for Asr prayer ({time}) in {location}.", Icon: "🌇"},
	Maghrib: {Title: "Maghrib Prayer Time", Body: "It's time for Maghrib prayer ({time}) in {location}.", Icon: "🌆"},
	Isha:    {Title: "Isha Prayer Time", Body: "It's time for Isha prayer ({time}) in {location}.", Icon: "🌙"},
}

var genericTemplate = Template{
	Title: "Prayer Reminder",
	Body:  "It's time for prayer ({time}) in {location}.",
	Icon:  "🕌",
}

// TemplateFor returns the message template for the given prayer,
// falling back to a generic reminder for unknown names.
func TemplateFor(n Name) Template {
	if t, ok := templates[n]; ok {
		return t
	}
	return genericTemplate
}

// Render substitutes the {time} and {location} placeholders.
func (t Template) Render(displayTime, location string) (title, body string) {
	replacer := strings.NewReplacer("{time}", displayTime, "{location}", location)
	return replacer.Replace(t.Title), replacer.Replace(t.Body)
}

// ParseClock12 parses a provider-formatted 12-hour clock string such as
// "5:15 AM" into a wall-clock instant on the given day in the given location.
func ParseClock12(s string, day time.Time, loc *time.Location) (time.Time, error) {
	clock, err := time.Parse("3:04 PM", strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse prayer time %q: %w", s, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc), nil
}
