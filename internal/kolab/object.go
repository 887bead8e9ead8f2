// Package kolab defines the structured groupware object model shared by the
// cache layer and the remote protocol clients, plus the parsers that turn
// iCalendar/vCard payloads into objects.
package kolab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of groupware object a folder holds.
type Type string

const (
	TypeEvent   Type = "event"
	TypeTask    Type = "task"
	TypeContact Type = "contact"
	TypeGroup   Type = "group"
)

// ValidTypes contains all folder types the cache can model.
var ValidTypes = map[Type]bool{
	TypeEvent:   true,
	TypeTask:    true,
	TypeContact: true,
	TypeGroup:   true,
}

// IsValid returns true if the type is a known valid value.
func (t Type) IsValid() bool {
	return ValidTypes[t]
}

// Attendee represents an event participant.
type Attendee struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Status string `json:"status,omitempty"`
}

// Exception represents a single recurrence exception of an event.
type Exception struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
	Text  string    `json:"text,omitempty"`
}

// Object is a structured groupware record. Only the fields matching the
// object's Type are populated; the rest stay at their zero value.
type Object struct {
	UID     string
	ETag    string
	Type    Type
	Created time.Time
	Changed time.Time

	// Calendar fields (event, task)
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Due         time.Time
	Status      string
	Priority    int
	Complete    int
	Categories  []string
	Attendees   []Attendee
	HasAlarms   bool
	RRule       string
	Exceptions  []Exception
	ParentID    string

	// Contact fields
	Name         string
	FirstName    string
	MiddleName   string
	Prefix       string
	Suffix       string
	Surname      string
	Emails       []string
	Organization string
	Members      []string
	Kind         string
	Birthday     time.Time

	// Raw holds the original wire payload when available.
	Raw []byte
}

// DateTime wraps time.Time with the cache's JSON encoding: a
// {"cl":"DateTime","dt":"...","tz":"..."} triple that round-trips the
// timezone name through the data blob.
type DateTime struct {
	time.Time
}

const dateTimeLayout = "2006-01-02 15:04:05"

type dateTimeJSON struct {
	Class string `json:"cl"`
	DT    string `json:"dt"`
	TZ    string `json:"tz"`
}

// NewDateTime returns a DateTime pointer for non-zero times, nil otherwise,
// so zero values serialize as absent JSON fields.
func NewDateTime(t time.Time) *DateTime {
	if t.IsZero() {
		return nil
	}
	return &DateTime{t}
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateTimeJSON{
		Class: "DateTime",
		DT:    d.Format(dateTimeLayout),
		TZ:    d.Location().String(),
	})
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var raw dateTimeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Class != "DateTime" {
		return fmt.Errorf("unexpected datetime class %q", raw.Class)
	}
	loc, err := time.LoadLocation(raw.TZ)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateTimeLayout, raw.DT, loc)
	if err != nil {
		return fmt.Errorf("invalid datetime %q: %w", raw.DT, err)
	}
	d.Time = t
	return nil
}

// TimeOrZero unwraps a DateTime pointer.
func TimeOrZero(d *DateTime) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}
