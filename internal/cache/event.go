package cache

import (
	"strings"
	"time"

	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
)

// eventCodec maps events onto cache rows. The dtend column is extended to
// the furthest occurrence end so date-range queries match every instance
// of a recurring event.
type eventCodec struct{}

func (eventCodec) Type() kolab.Type { return kolab.TypeEvent }

func (eventCodec) Serialize(obj *kolab.Object) (*db.Row, error) {
	row, err := baseRow(obj)
	if err != nil {
		return nil, err
	}

	var tags []string
	if obj.HasAlarms {
		tags = append(tags, "x-has-alarms")
	}
	for _, att := range obj.Attendees {
		if att.Email != "" && att.Status != "" {
			tags = append(tags, "x-partstat:"+att.Email+":"+strings.ToLower(att.Status))
		}
	}
	if obj.Status != "" {
		tags = append(tags, "x-status:"+strings.ToLower(obj.Status))
	}
	row.Tags = padTokens(tags)

	text := []string{obj.Title, obj.Description, obj.Location}
	text = append(text, obj.Categories...)
	for _, att := range obj.Attendees {
		text = append(text, att.Name, att.Email)
	}
	for _, ex := range obj.Exceptions {
		text = append(text, ex.Text)
	}
	row.Words = padTokens(indexWords(text...))

	row.Extra["dtstart"] = formatColumnTime(obj.Start)
	row.Extra["dtend"] = formatColumnTime(eventRangeEnd(obj))

	return row, nil
}

func (eventCodec) Deserialize(row *db.Row, fast bool) (*kolab.Object, error) {
	obj, err := decodeObject(row)
	if err != nil || fast {
		return obj, err
	}
	return reparse(obj, kolab.TypeEvent)
}

// eventRangeEnd returns the furthest end across the master occurrence, the
// recurrence rule and every exception.
func eventRangeEnd(obj *kolab.Object) time.Time {
	end := obj.End
	if end.IsZero() {
		end = obj.Start
	}

	if obj.RRule != "" {
		if rend := kolab.RecurrenceEnd(obj); rend.After(end) {
			end = rend
		}
	}

	for _, ex := range obj.Exceptions {
		exEnd := ex.End
		if exEnd.IsZero() {
			exEnd = ex.Start
		}
		if exEnd.After(end) {
			end = exEnd
		}
	}

	return end
}
