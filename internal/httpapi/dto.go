package httpapi

import (
	"fmt"

	"docucore/internal/composite"
	"docucore/internal/document"
	"docucore/internal/fieldvalue"
)

// documentIDDTO is the wire shape of document.ID (spec §3, §6).
type documentIDDTO struct {
	CollectionParentPath string `json:"collectionParentPath" validate:"required"`
	CollectionID         string `json:"collectionId" validate:"required"`
	DocumentID            string `json:"documentId" validate:"required"`
}

func (d documentIDDTO) toDomain() document.ID {
	return document.ID{
		CollectionParentPath: d.CollectionParentPath,
		CollectionID:         d.CollectionID,
		DocumentID:           d.DocumentID,
	}
}

func fromDomainID(id document.ID) documentIDDTO {
	return documentIDDTO{
		CollectionParentPath: id.CollectionParentPath,
		CollectionID:         id.CollectionID,
		DocumentID:           id.DocumentID,
	}
}

// documentDTO is the wire shape of a document and its fields. Field values
// are decoded with fieldvalue.Of from plain JSON scalars, so a JSON string
// (RFC3339 or not) becomes a String value; no input form produces the
// Timestamp kind. On output a Timestamp renders as {seconds, nanos}.
type documentDTO struct {
	ID       documentIDDTO          `json:"id" validate:"required"`
	Fields   map[string]interface{} `json:"fields"`
	UpdateID string                 `json:"updateId,omitempty"`
}

func (d documentDTO) toDomain() (document.Document, error) {
	fields := make(map[string]fieldvalue.Value, len(d.Fields))
	for name, native := range d.Fields {
		v, err := fieldvalue.Of(native)
		if err != nil {
			return document.Document{}, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = v
	}
	return document.Document{
		ID:       d.ID.toDomain(),
		Fields:   fields,
		UpdateID: d.UpdateID,
	}, nil
}

func fromDomainDocument(doc document.Document) documentDTO {
	fields := make(map[string]interface{}, len(doc.Fields))
	for name, v := range doc.Fields {
		fields[name] = nativeOf(v)
	}
	return documentDTO{
		ID:       fromDomainID(doc.ID),
		Fields:   fields,
		UpdateID: doc.UpdateID,
	}
}

func nativeOf(v fieldvalue.Value) interface{} {
	switch v.Kind() {
	case fieldvalue.KindNull:
		return nil
	case fieldvalue.KindBool:
		return v.BoolValue()
	case fieldvalue.KindString:
		return v.StringValue()
	case fieldvalue.KindBytes:
		return v.BytesValue()
	case fieldvalue.KindReference:
		return v.ReferenceValue()
	case fieldvalue.KindNumber:
		d, i := v.NumericDual()
		if i != nil {
			return *i
		}
		return *d
	case fieldvalue.KindTimestamp:
		sec, nanos := v.TimestampValue()
		return map[string]int64{"seconds": sec, "nanos": int64(nanos)}
	default:
		return nil
	}
}

// simpleQueryRequest is the wire shape of a single-field query (spec §4.2).
type simpleQueryRequest struct {
	Scope        *string `json:"scope,omitempty"`
	CollectionID string  `json:"collectionId" validate:"required"`
	FieldName    string  `json:"fieldName" validate:"required"`
	Operator     string  `json:"operator" validate:"required"`
	Operand      interface{} `json:"operand"`
}

func (r simpleQueryRequest) parse() (fieldvalue.Operator, fieldvalue.Value, error) {
	op, err := fieldvalue.ParseOperator(r.Operator)
	if err != nil {
		return "", fieldvalue.Value{}, err
	}
	operand, err := fieldvalue.Of(r.Operand)
	if err != nil {
		return "", fieldvalue.Value{}, err
	}
	return op, operand, nil
}

// compositeParamDTO is one clause of a composite query (spec §4.5).
type compositeParamDTO struct {
	FieldName string      `json:"fieldName" validate:"required"`
	Operator  string      `json:"operator" validate:"required"`
	Operand   interface{} `json:"operand"`
	IsPrimary bool        `json:"isPrimary"`
}

func (p compositeParamDTO) toDomain() (composite.Param, error) {
	op, err := fieldvalue.ParseOperator(p.Operator)
	if err != nil {
		return composite.Param{}, err
	}
	operand, err := fieldvalue.Of(p.Operand)
	if err != nil {
		return composite.Param{}, err
	}
	return composite.Param{FieldName: p.FieldName, Operator: op, Operand: operand, IsPrimary: p.IsPrimary}, nil
}

// writeOpDTO is one write clause of a commit_transaction call (spec §4.6).
type writeOpDTO struct {
	Kind             string      `json:"kind" validate:"required,oneof=put delete"`
	Document         documentDTO `json:"document,omitempty"`
	ID               documentIDDTO `json:"id,omitempty"`
	ExpectedUpdateID string      `json:"expectedUpdateId,omitempty"`
}

// readCheckDTO is one read precondition of a commit_transaction call.
type readCheckDTO struct {
	ID               documentIDDTO `json:"id" validate:"required"`
	ExpectedUpdateID string        `json:"expectedUpdateId"`
}
