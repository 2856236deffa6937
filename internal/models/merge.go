package models

import (
	"encoding/json"
	"time"
)

// FieldMergeInformation is one field of a revision as shown when merging.
type FieldMergeInformation struct {
	AVPID       string          `json:"avp_id"`
	Data        json.RawMessage `json:"data"`
	Type        string          `json:"type"`
	Annotations json.RawMessage `json:"annotations"`
	Created     time.Time       `json:"created"`
	CreatedBy   string          `json:"created_by"`
}

// MergeInformation is a revision with its values resolved.
type MergeInformation struct {
	ProjectID    string                           `json:"project_id"`
	RecordID     string                           `json:"record_id"`
	RevisionID   string                           `json:"revision_id"`
	Type         string                           `json:"type"`
	Updated      time.Time                        `json:"updated"`
	UpdatedBy    string                           `json:"updated_by"`
	Fields       map[string]FieldMergeInformation `json:"fields"`
	Deleted      bool                             `json:"deleted"`
	Relationship *Relationship                    `json:"relationship,omitempty"`
}

// HeadInfo summarises one head revision of a conflicted record.
type HeadInfo struct {
	Type      string    `json:"type"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"created_by"`
	Deleted   bool      `json:"deleted"`
}

// InitialMergeDetails is the starting point of a merge: the heads to pick
// from and the resolved values of the most recent one.
type InitialMergeDetails struct {
	InitialHead     string              `json:"initial_head"`
	InitialHeadData *MergeInformation   `json:"initial_head_data"`
	AvailableHeads  map[string]HeadInfo `json:"available_heads"`
}

// UserMergeResult is the user's resolution of a conflict. A nil choice for a
// field means "clear the value".
type UserMergeResult struct {
	ProjectID    string             `json:"project_id"`
	RecordID     string             `json:"record_id"`
	Parents      []string           `json:"parents"`
	Updated      time.Time          `json:"updated"`
	UpdatedBy    string             `json:"updated_by"`
	Type         string             `json:"type"`
	FieldChoices map[string]*string `json:"field_choices"`
	FieldTypes   map[string]string  `json:"field_types"`
	Relationship *Relationship      `json:"relationship,omitempty"`
}
