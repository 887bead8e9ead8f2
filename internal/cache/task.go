package cache

import (
	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
)

// taskCodec maps tasks onto cache rows. The date range spans start to due.
type taskCodec struct{}

func (taskCodec) Type() kolab.Type { return kolab.TypeTask }

func (taskCodec) Serialize(obj *kolab.Object) (*db.Row, error) {
	row, err := baseRow(obj)
	if err != nil {
		return nil, err
	}

	var tags []string
	if obj.Complete == 100 || obj.Status == "COMPLETED" {
		tags = append(tags, "x-complete")
	}
	if obj.Priority == 1 {
		tags = append(tags, "x-flagged")
	}
	if obj.ParentID != "" {
		tags = append(tags, "x-parent:"+obj.ParentID)
	}
	row.Tags = padTokens(tags)

	text := []string{obj.Title, obj.Description}
	text = append(text, obj.Categories...)
	row.Words = padTokens(indexWords(text...))

	row.Extra["dtstart"] = formatColumnTime(obj.Start)
	end := obj.Due
	if end.IsZero() {
		end = obj.Start
	}
	row.Extra["dtend"] = formatColumnTime(end)

	return row, nil
}

func (taskCodec) Deserialize(row *db.Row, fast bool) (*kolab.Object, error) {
	obj, err := decodeObject(row)
	if err != nil || fast {
		return obj, err
	}
	return reparse(obj, kolab.TypeTask)
}
