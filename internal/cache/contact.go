package cache

import (
	"strings"

	"github.com/kolabtools/kolabcache/internal/db"
	"github.com/kolabtools/kolabcache/internal/kolab"
)

// contactCodec maps contacts and distribution groups onto cache rows. Both
// share the contact table; the type column tells them apart.
type contactCodec struct{}

func (contactCodec) Type() kolab.Type { return kolab.TypeContact }

func (contactCodec) Serialize(obj *kolab.Object) (*db.Row, error) {
	row, err := baseRow(obj)
	if err != nil {
		return nil, err
	}

	var tags []string
	if !obj.Birthday.IsZero() {
		tags = append(tags, "x-has-birthday")
	}
	row.Tags = padTokens(tags)

	text := []string{obj.Name, obj.FirstName, obj.MiddleName, obj.Surname, obj.Organization}
	text = append(text, obj.Emails...)
	row.Words = padTokens(indexWords(text...))

	rowType := "contact"
	if obj.Type == kolab.TypeGroup {
		rowType = "group"
	}
	row.Extra["type"] = rowType
	row.Extra["name"] = truncateColumn(displayName(obj))
	row.Extra["firstname"] = truncateColumn(obj.FirstName)
	row.Extra["surname"] = truncateColumn(obj.Surname)
	if len(obj.Emails) > 0 {
		row.Extra["email"] = truncateColumn(strings.ToLower(obj.Emails[0]))
	}

	return row, nil
}

func (contactCodec) Deserialize(row *db.Row, fast bool) (*kolab.Object, error) {
	obj, err := decodeObject(row)
	if err != nil || fast {
		return obj, err
	}
	// Contacts and groups share the table; the blob records which kind the
	// payload holds.
	typ := obj.Type
	if typ != kolab.TypeContact && typ != kolab.TypeGroup {
		typ = kolab.TypeContact
	}
	return reparse(obj, typ)
}

// displayName falls back to the composed name when no formatted name is
// set.
func displayName(obj *kolab.Object) string {
	if obj.Name != "" {
		return obj.Name
	}
	return strings.TrimSpace(strings.Join([]string{obj.FirstName, obj.Surname}, " "))
}
