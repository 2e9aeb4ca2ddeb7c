package document

import (
	"encoding/json"
	"fmt"

	"docucore/internal/fieldvalue"
)

// wireField pairs a field name with its raw fieldvalue.Encode bytes. Using
// fieldvalue's own codec per field (rather than re-deriving a parallel
// encoding here) keeps exactly one wire format for a FieldValue shared by
// the document store and the index packages that persist bare field
// values.
type wireField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type wireID struct {
	CollectionParentPath string `json:"collection_parent_path"`
	CollectionID         string `json:"collection_id"`
	DocumentID           string `json:"document_id"`
}

type wireDocument struct {
	ID       wireID      `json:"id"`
	Fields   []wireField `json:"fields"`
	UpdateID string      `json:"update_id,omitempty"`
}

// Encode produces the deterministic wire bytes for d: equal documents
// (same id, same field name/value pairs, same update id) always encode to
// the same bytes, because fields are serialized as a slice sorted by name
// rather than relying on map iteration order.
func Encode(d Document) ([]byte, error) {
	names := d.SortedFieldNames()
	fields := make([]wireField, 0, len(names))
	for _, name := range names {
		raw, err := fieldvalue.Encode(d.Fields[name])
		if err != nil {
			return nil, fmt.Errorf("document: encode field %q: %w", name, err)
		}
		fields = append(fields, wireField{Name: name, Value: json.RawMessage(raw)})
	}
	wd := wireDocument{
		ID: wireID{
			CollectionParentPath: d.ID.CollectionParentPath,
			CollectionID:         d.ID.CollectionID,
			DocumentID:           d.ID.DocumentID,
		},
		Fields:   fields,
		UpdateID: d.UpdateID,
	}
	return json.Marshal(wd)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Document, error) {
	var wd wireDocument
	if err := json.Unmarshal(b, &wd); err != nil {
		return Document{}, fmt.Errorf("document: decode: %w", err)
	}
	fields := make(map[string]fieldvalue.Value, len(wd.Fields))
	for _, wf := range wd.Fields {
		v, err := fieldvalue.Decode(wf.Value)
		if err != nil {
			return Document{}, fmt.Errorf("document: decode field %q: %w", wf.Name, err)
		}
		fields[wf.Name] = v
	}
	return Document{
		ID: ID{
			CollectionParentPath: wd.ID.CollectionParentPath,
			CollectionID:         wd.ID.CollectionID,
			DocumentID:           wd.ID.DocumentID,
		},
		Fields:   fields,
		UpdateID: wd.UpdateID,
	}, nil
}
