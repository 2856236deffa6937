package models

import "encoding/json"

const (
	RecordPrefix   = "rec-"
	RevisionPrefix = "frev-"
	AVPPrefix      = "avp-"

	// AttachmentPrefix marks the documents holding file payloads. They are
	// left out of replication while attachment sync is off.
	AttachmentPrefix = "att-"

	// AttachmentFieldType is the field type whose values are files.
	AttachmentFieldType = "faims-attachment::Files"

	// UnknownType is used when a field type cannot be determined.
	UnknownType = "??:??"

	recordFormatVersion   = 1
	revisionFormatVersion = 1
	avpFormatVersion      = 1
)

// Record is the identity document of a record in a data database. Heads are
// the revisions with no children; more than one head means a conflict.
type Record struct {
	ID            string   `json:"_id"`
	Rev           string   `json:"-"`
	FormatVersion int      `json:"record_format_version"`
	Created       string   `json:"created"`
	CreatedBy     string   `json:"created_by"`
	Revisions     []string `json:"revisions"`
	Heads         []string `json:"heads"`
	Type          string   `json:"type"`
}

// NewRecord returns an empty record of the given type.
func NewRecord(id, typ, createdBy, created string) *Record {
	return &Record{
		ID:            id,
		FormatVersion: recordFormatVersion,
		Created:       created,
		CreatedBy:     createdBy,
		Revisions:     []string{},
		Heads:         []string{},
		Type:          typ,
	}
}

// Revision is one immutable version of a record. AVPs maps field names to
// value document ids.
type Revision struct {
	ID            string            `json:"_id"`
	FormatVersion int               `json:"revision_format_version"`
	AVPs          map[string]string `json:"avps"`
	RecordID      string            `json:"record_id"`
	Parents       []string          `json:"parents"`
	Created       string            `json:"created"`
	CreatedBy     string            `json:"created_by"`
	Type          string            `json:"type"`
	Deleted       bool              `json:"deleted,omitempty"`
	Relationship  *Relationship     `json:"relationship,omitempty"`
}

// NewRevision returns a revision with the current format version.
func NewRevision(id, recordID, typ, createdBy, created string, parents []string) *Revision {
	if parents == nil {
		parents = []string{}
	}
	return &Revision{
		ID:            id,
		FormatVersion: revisionFormatVersion,
		AVPs:          map[string]string{},
		RecordID:      recordID,
		Parents:       parents,
		Created:       created,
		CreatedBy:     createdBy,
		Type:          typ,
	}
}

// AVP is one field value of one revision.
type AVP struct {
	ID            string          `json:"_id"`
	FormatVersion int             `json:"avp_format_version"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	RevisionID    string          `json:"revision_id"`
	RecordID      string          `json:"record_id"`
	Annotations   json.RawMessage `json:"annotations"`
	Created       string          `json:"created"`
	CreatedBy     string          `json:"created_by"`

	Attachments []AttachmentReference `json:"faims_attachments,omitempty"`
}

// AttachmentReference points from a value to a document holding one file.
type AttachmentReference struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	FileType     string `json:"file_type"`
}

// Attachment is the document holding the payload of one file value.
type Attachment struct {
	ID         string `json:"_id"`
	AVPID      string `json:"avp_id"`
	RevisionID string `json:"revision_id"`
	RecordID   string `json:"record_id"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by"`
}

// NewAVP returns a value document with the current format version. Nil data
// and annotations are stored as JSON null.
func NewAVP(id, recordID, revisionID, typ string, data, annotations json.RawMessage, createdBy, created string) *AVP {
	if data == nil {
		data = json.RawMessage("null")
	}
	if annotations == nil {
		annotations = json.RawMessage("null")
	}
	return &AVP{
		ID:            id,
		FormatVersion: avpFormatVersion,
		Type:          typ,
		Data:          data,
		RevisionID:    revisionID,
		RecordID:      recordID,
		Annotations:   annotations,
		Created:       created,
		CreatedBy:     createdBy,
	}
}
