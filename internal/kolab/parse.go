package kolab

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// ParseICal parses raw iCalendar bytes into an Object of the expected type.
// A payload that does not contain a component matching the expected type
// yields (nil, nil): folders may hold objects the cache does not model and
// those are skipped, not reported.
func ParseICal(raw []byte, etag string, expected Type) (*Object, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse icalendar data: %w", err)
	}
	obj, err := FromICal(cal, etag, expected)
	if obj != nil {
		obj.Raw = raw
	}
	return obj, err
}

// FromICal converts an already-decoded calendar into an Object.
// See ParseICal for the type-mismatch contract.
func FromICal(cal *ical.Calendar, etag string, expected Type) (*Object, error) {
	var compName string
	switch expected {
	case TypeEvent:
		compName = ical.CompEvent
	case TypeTask:
		compName = ical.CompToDo
	default:
		return nil, fmt.Errorf("unsupported icalendar object type %q", expected)
	}

	var comps []*ical.Component
	for _, child := range cal.Children {
		if child.Name == compName {
			comps = append(comps, child)
		}
	}
	if len(comps) == 0 {
		// type mismatch, not an error
		return nil, nil
	}

	// The first component without RECURRENCE-ID is the master; the rest
	// are recurrence exceptions.
	master := comps[0]
	var exceptions []*ical.Component
	for _, comp := range comps {
		if comp.Props.Get(ical.PropRecurrenceID) == nil {
			master = comp
		} else {
			exceptions = append(exceptions, comp)
		}
	}

	obj := &Object{
		Type: expected,
		ETag: etag,
	}

	obj.UID, _ = master.Props.Text(ical.PropUID)
	obj.Title, _ = master.Props.Text(ical.PropSummary)
	obj.Description, _ = master.Props.Text(ical.PropDescription)
	obj.Location, _ = master.Props.Text(ical.PropLocation)
	obj.Status, _ = master.Props.Text(ical.PropStatus)

	obj.Start = propTime(master, ical.PropDateTimeStart)
	obj.End = propTime(master, ical.PropDateTimeEnd)
	obj.Due = propTime(master, "DUE")
	obj.Created = propTime(master, "CREATED")
	obj.Changed = propTime(master, "LAST-MODIFIED")
	if obj.Changed.IsZero() {
		obj.Changed = propTime(master, "DTSTAMP")
	}

	if prop := master.Props.Get("PRIORITY"); prop != nil {
		obj.Priority, _ = strconv.Atoi(prop.Value)
	}
	if prop := master.Props.Get("PERCENT-COMPLETE"); prop != nil {
		obj.Complete, _ = strconv.Atoi(prop.Value)
	}
	if prop := master.Props.Get("CATEGORIES"); prop != nil {
		for _, c := range strings.Split(prop.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				obj.Categories = append(obj.Categories, c)
			}
		}
	}
	if prop := master.Props.Get("RRULE"); prop != nil {
		obj.RRule = prop.Value
	}
	if prop := master.Props.Get("RELATED-TO"); prop != nil {
		obj.ParentID = prop.Value
	}

	for _, prop := range master.Props["ATTENDEE"] {
		obj.Attendees = append(obj.Attendees, Attendee{
			Name:   prop.Params.Get("CN"),
			Email:  strings.TrimPrefix(strings.ToLower(prop.Value), "mailto:"),
			Status: prop.Params.Get("PARTSTAT"),
		})
	}

	for _, child := range master.Children {
		if child.Name == ical.CompAlarm {
			obj.HasAlarms = true
			break
		}
	}

	for _, comp := range exceptions {
		ex := Exception{
			Start: propTime(comp, ical.PropDateTimeStart),
			End:   propTime(comp, ical.PropDateTimeEnd),
		}
		summary, _ := comp.Props.Text(ical.PropSummary)
		description, _ := comp.Props.Text(ical.PropDescription)
		ex.Text = strings.TrimSpace(summary + " " + description)
		obj.Exceptions = append(obj.Exceptions, ex)
	}

	if obj.UID == "" {
		return nil, fmt.Errorf("icalendar object without UID")
	}

	return obj, nil
}

// propTime reads a date or date-time property, tolerating missing values.
func propTime(comp *ical.Component, name string) time.Time {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseVCard parses raw vCard bytes into a contact or distribution-group
// Object. A group card requested as contact (and vice versa) is not a
// mismatch: both live in the same addressbook and share the contact cache
// table, so the actual kind is recorded on the object.
func ParseVCard(raw []byte, etag string, expected Type) (*Object, error) {
	if expected != TypeContact && expected != TypeGroup {
		return nil, fmt.Errorf("unsupported vcard object type %q", expected)
	}

	card, err := vcard.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse vcard data: %w", err)
	}

	obj := FromVCard(card, etag)
	obj.Raw = raw

	if obj.UID == "" {
		return nil, fmt.Errorf("vcard object without UID")
	}

	return obj, nil
}

// FromVCard converts an already-decoded card into an Object.
func FromVCard(card vcard.Card, etag string) *Object {
	obj := &Object{
		Type: TypeContact,
		ETag: etag,
	}

	obj.UID = card.Value(vcard.FieldUID)
	obj.Name = card.Value(vcard.FieldFormattedName)
	obj.Organization = card.Value(vcard.FieldOrganization)
	obj.Emails = card.Values(vcard.FieldEmail)

	if name := card.Name(); name != nil {
		obj.FirstName = name.GivenName
		obj.MiddleName = name.AdditionalName
		obj.Surname = name.FamilyName
		obj.Prefix = name.HonorificPrefix
		obj.Suffix = name.HonorificSuffix
	}

	obj.Kind = strings.ToLower(card.Value(vcard.FieldKind))
	if obj.Kind == "group" {
		obj.Type = TypeGroup
		obj.Members = card.Values("MEMBER")
	}

	if bday := card.Value("BDAY"); bday != "" {
		for _, layout := range []string{"20060102", "2006-01-02", "20060102T150405Z"} {
			if t, err := time.Parse(layout, bday); err == nil {
				obj.Birthday = t
				break
			}
		}
	}

	if rev := card.Value("REV"); rev != "" {
		for _, layout := range []string{"20060102T150405Z", time.RFC3339} {
			if t, err := time.Parse(layout, rev); err == nil {
				obj.Changed = t
				break
			}
		}
	}

	return obj
}
