// Package document holds the document identity and value types (spec §3)
// and their deterministic wire encoding (spec §4.1, §6).
package document

import (
	"fmt"
	"sort"
	"strings"

	"docucore/internal/fieldvalue"
)

// ID identifies a document by its collection parent path, collection id,
// and document id (spec §3).
type ID struct {
	CollectionParentPath string
	CollectionID         string
	DocumentID           string
}

// String renders the id as a single '|'-joined key, used for logging and
// as a map key inside pure in-memory matching code.
func (id ID) String() string {
	return fmt.Sprintf("%s|%s|%s", id.CollectionParentPath, id.CollectionID, id.DocumentID)
}

// Validate checks that CollectionID, DocumentID and CollectionParentPath are
// non-empty and that CollectionParentPath is "/" or a '/'-delimited path of
// alternating collection/document segments, per spec §3.
func (id ID) Validate() error {
	if id.CollectionID == "" {
		return fmt.Errorf("document: collection_id must not be empty")
	}
	if id.DocumentID == "" {
		return fmt.Errorf("document: document_id must not be empty")
	}
	if id.CollectionParentPath == "" {
		return fmt.Errorf("document: collection_parent_path must not be empty (use \"/\" for root)")
	}
	if id.CollectionParentPath != "/" {
		segments := strings.Split(strings.Trim(id.CollectionParentPath, "/"), "/")
		if len(segments)%2 != 0 {
			return fmt.Errorf("document: collection_parent_path %q must alternate collection_id/document_id segments", id.CollectionParentPath)
		}
	}
	return nil
}

// Document is an immutable value: {id, fields, update_id}. Replacing a
// document produces a new Document with a fresh UpdateID (spec §3).
type Document struct {
	ID       ID
	Fields   map[string]fieldvalue.Value
	UpdateID string // empty until stamped by the document store on write
}

// SortedFieldNames returns the document's field names in a stable order,
// used both by the deterministic codec and by index maintenance that must
// iterate fields in a fixed order.
func (d Document) SortedFieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
