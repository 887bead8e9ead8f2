// Package cache implements the synchronization engine: per-folder caches
// over the relational store, the cooperative sync lock, the full and
// incremental sync strategies, and the per-type row codecs.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
)

// errNoRawPayload reports a cached row without the original payload. Full
// reads resolve it by re-reading the object from the folder.
var errNoRawPayload = errors.New("no raw payload cached")

// maxSortColumn caps the length of the textual sort columns.
const maxSortColumn = 255

// Codec maps structured objects onto cache rows for one object type.
type Codec interface {
	// Type returns the object type the codec handles.
	Type() kolab.Type

	// Serialize fills a cache row from an object: the JSON data blob, the
	// padded tags and words columns and the type-specific extra columns.
	Serialize(obj *kolab.Object) (*db.Row, error)

	// Deserialize rebuilds an object from a cache row. Fast mode trusts
	// the indexed JSON blob; full mode re-derives the record from the
	// stored raw payload and reports errNoRawPayload when none is cached.
	Deserialize(row *db.Row, fast bool) (*kolab.Object, error)
}

// CodecFor returns the codec for an object type. Groups use the contact
// codec.
func CodecFor(typ kolab.Type) (Codec, error) {
	switch typ {
	case kolab.TypeEvent:
		return eventCodec{}, nil
	case kolab.TypeTask:
		return taskCodec{}, nil
	case kolab.TypeContact, kolab.TypeGroup:
		return contactCodec{}, nil
	default:
		return nil, fmt.Errorf("no codec for object type %q", typ)
	}
}

// objectJSON is the stored shape of the data blob. Time values are encoded
// as DateTime triples so the timezone survives the round-trip.
type objectJSON struct {
	UID          string           `json:"uid"`
	Type         kolab.Type       `json:"type"`
	Created      *kolab.DateTime  `json:"created,omitempty"`
	Changed      *kolab.DateTime  `json:"changed,omitempty"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	Location     string           `json:"location,omitempty"`
	Start        *kolab.DateTime  `json:"start,omitempty"`
	End          *kolab.DateTime  `json:"end,omitempty"`
	Due          *kolab.DateTime  `json:"due,omitempty"`
	Status       string           `json:"status,omitempty"`
	Priority     int              `json:"priority,omitempty"`
	Complete     int              `json:"complete,omitempty"`
	Categories   []string         `json:"categories,omitempty"`
	Attendees    []kolab.Attendee `json:"attendees,omitempty"`
	HasAlarms    bool             `json:"alarms,omitempty"`
	RRule        string           `json:"rrule,omitempty"`
	Exceptions   []exceptionJSON  `json:"exceptions,omitempty"`
	ParentID     string           `json:"parent_id,omitempty"`
	Name         string           `json:"name,omitempty"`
	FirstName    string           `json:"firstname,omitempty"`
	MiddleName   string           `json:"middlename,omitempty"`
	Prefix       string           `json:"prefix,omitempty"`
	Suffix       string           `json:"suffix,omitempty"`
	Surname      string           `json:"surname,omitempty"`
	Emails       []string         `json:"emails,omitempty"`
	Organization string           `json:"organization,omitempty"`
	Members      []string         `json:"members,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Birthday     *kolab.DateTime  `json:"birthday,omitempty"`
	Raw          []byte           `json:"raw,omitempty"`
}

type exceptionJSON struct {
	Start *kolab.DateTime `json:"start,omitempty"`
	End   *kolab.DateTime `json:"end,omitempty"`
	Text  string          `json:"text,omitempty"`
}

func encodeObject(obj *kolab.Object) ([]byte, error) {
	data := objectJSON{
		UID:          obj.UID,
		Type:         obj.Type,
		Created:      kolab.NewDateTime(obj.Created),
		Changed:      kolab.NewDateTime(obj.Changed),
		Title:        obj.Title,
		Description:  obj.Description,
		Location:     obj.Location,
		Start:        kolab.NewDateTime(obj.Start),
		End:          kolab.NewDateTime(obj.End),
		Due:          kolab.NewDateTime(obj.Due),
		Status:       obj.Status,
		Priority:     obj.Priority,
		Complete:     obj.Complete,
		Categories:   obj.Categories,
		Attendees:    obj.Attendees,
		HasAlarms:    obj.HasAlarms,
		RRule:        obj.RRule,
		ParentID:     obj.ParentID,
		Name:         obj.Name,
		FirstName:    obj.FirstName,
		MiddleName:   obj.MiddleName,
		Prefix:       obj.Prefix,
		Suffix:       obj.Suffix,
		Surname:      obj.Surname,
		Emails:       obj.Emails,
		Organization: obj.Organization,
		Members:      obj.Members,
		Kind:         obj.Kind,
		Birthday:     kolab.NewDateTime(obj.Birthday),
		Raw:          obj.Raw,
	}
	for _, ex := range obj.Exceptions {
		data.Exceptions = append(data.Exceptions, exceptionJSON{
			Start: kolab.NewDateTime(ex.Start),
			End:   kolab.NewDateTime(ex.End),
			Text:  ex.Text,
		})
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object %s: %w", obj.UID, err)
	}
	return blob, nil
}

func decodeObject(row *db.Row) (*kolab.Object, error) {
	var data objectJSON
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode cached object %s: %w", row.UID, err)
	}

	obj := &kolab.Object{
		UID:          data.UID,
		ETag:         row.ETag,
		Type:         data.Type,
		Created:      kolab.TimeOrZero(data.Created),
		Changed:      kolab.TimeOrZero(data.Changed),
		Title:        data.Title,
		Description:  data.Description,
		Location:     data.Location,
		Start:        kolab.TimeOrZero(data.Start),
		End:          kolab.TimeOrZero(data.End),
		Due:          kolab.TimeOrZero(data.Due),
		Status:       data.Status,
		Priority:     data.Priority,
		Complete:     data.Complete,
		Categories:   data.Categories,
		Attendees:    data.Attendees,
		HasAlarms:    data.HasAlarms,
		RRule:        data.RRule,
		ParentID:     data.ParentID,
		Name:         data.Name,
		FirstName:    data.FirstName,
		MiddleName:   data.MiddleName,
		Prefix:       data.Prefix,
		Suffix:       data.Suffix,
		Surname:      data.Surname,
		Emails:       data.Emails,
		Organization: data.Organization,
		Members:      data.Members,
		Kind:         data.Kind,
		Birthday:     kolab.TimeOrZero(data.Birthday),
		Raw:          data.Raw,
	}
	if obj.UID == "" {
		obj.UID = row.UID
	}
	for _, ex := range data.Exceptions {
		obj.Exceptions = append(obj.Exceptions, kolab.Exception{
			Start: kolab.TimeOrZero(ex.Start),
			End:   kolab.TimeOrZero(ex.End),
			Text:  ex.Text,
		})
	}
	return obj, nil
}

// reparse re-derives an object from its cached raw payload instead of
// trusting the indexed blob. Rows written without a payload report
// errNoRawPayload so the caller re-reads them from the folder.
func reparse(obj *kolab.Object, typ kolab.Type) (*kolab.Object, error) {
	if len(obj.Raw) == 0 {
		return nil, errNoRawPayload
	}
	if typ == kolab.TypeContact || typ == kolab.TypeGroup {
		return kolab.ParseVCard(obj.Raw, obj.ETag, typ)
	}
	parsed, err := kolab.ParseICal(obj.Raw, obj.ETag, typ)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("cached payload of %s is not a %s", obj.UID, typ)
	}
	return parsed, nil
}

// baseRow fills the type-independent row columns.
func baseRow(obj *kolab.Object) (*db.Row, error) {
	blob, err := encodeObject(obj)
	if err != nil {
		return nil, err
	}
	changed := obj.Changed
	if changed.IsZero() {
		changed = time.Now().UTC()
	}
	return &db.Row{
		UID:     obj.UID,
		ETag:    obj.ETag,
		Changed: changed,
		Data:    blob,
		Extra:   make(map[string]string),
	}, nil
}

// padTokens joins tokens into the space-padded form the token and prefix
// operators of the query layer match against.
func padTokens(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return " " + strings.Join(tokens, " ") + " "
}

// indexWords lowercases and tokenizes free-text values, dropping
// duplicates.
func indexWords(values ...string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, v := range values {
		for _, w := range strings.Fields(strings.ToLower(v)) {
			if !seen[w] {
				seen[w] = true
				words = append(words, w)
			}
		}
	}
	return words
}

func truncateColumn(s string) string {
	if len(s) > maxSortColumn {
		return s[:maxSortColumn]
	}
	return s
}

func formatColumnTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(db.DBDateFormat)
}
