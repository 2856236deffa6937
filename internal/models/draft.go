package models

import "encoding/json"

// LinkedRelation points from a record to a related record.
type LinkedRelation struct {
	RecordID              string   `json:"record_id"`
	FieldID               string   `json:"field_id"`
	RelationTypeVocabPair []string `json:"relation_type_vocabPair"`
}

// Relationship holds the parent and linked records of a record.
type Relationship struct {
	Parent *LinkedRelation  `json:"parent,omitempty"`
	Linked []LinkedRelation `json:"linked,omitempty"`
}

// GetParent returns the parent relation, nil for a nil relationship.
func (r *Relationship) GetParent() *LinkedRelation {
	if r == nil {
		return nil
	}
	return r.Parent
}

// GetLinked returns the linked relations, nil for a nil relationship.
func (r *Relationship) GetLinked() []LinkedRelation {
	if r == nil {
		return nil
	}
	return r.Linked
}

// DraftExisting identifies the record revision a draft edits.
type DraftExisting struct {
	RecordID   string `json:"record_id"`
	RevisionID string `json:"revision_id"`
}

// File is a binary value of an attachment field.
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"type"`
	Data        []byte `json:"-"`
}

// Draft is the in-progress state of a form, stored locally only.
//
// Values of attachment fields are kept out of Fields in storage: Attachments
// lists the content-addressed attachment names of each such field and
// FileNames maps them back to the original file names. On read they come
// back in Files.
type Draft struct {
	ID           string                     `json:"_id"`
	Rev          string                     `json:"-"`
	ProjectID    string                     `json:"project_id"`
	Fields       map[string]json.RawMessage `json:"fields"`
	Annotations  map[string]json.RawMessage `json:"annotations"`
	Attachments  map[string][]string        `json:"attachments"`
	FileNames    map[string]string          `json:"file_names,omitempty"`
	Existing     *DraftExisting             `json:"existing"`
	Created      string                     `json:"created"`
	Updated      string                     `json:"updated"`
	Type         string                     `json:"type"`
	FieldTypes   map[string]string          `json:"field_types"`
	RecordID     string                     `json:"record_id"`
	Relationship *Relationship              `json:"relationship,omitempty"`

	Files map[string][]File `json:"-"`
}

// DraftMetadata is the list view of a draft.
type DraftMetadata struct {
	ID        string         `json:"_id"`
	ProjectID string         `json:"project_id"`
	Existing  *DraftExisting `json:"existing"`
	Created   string         `json:"created"`
	Updated   string         `json:"updated"`
	Type      string         `json:"type"`
	HRID      string         `json:"hrid"`
	RecordID  string         `json:"record_id"`
}

// FieldPersistentState keeps the values a form remembers between records.
type FieldPersistentState struct {
	Rev         string                     `json:"-"`
	ProjectID   string                     `json:"project_id"`
	FormID      string                     `json:"type"`
	Data        map[string]json.RawMessage `json:"data"`
	Annotations map[string]json.RawMessage `json:"annotations"`
}
