package models

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
)

const (
	// LocalCreatedListingID is the synthesized listing holding projects
	// created on this device. It never has a remote.
	LocalCreatedListingID = "locallycreatedproject"

	// DefaultListingID is the listing id used when a directory has a single
	// unnamed entry.
	DefaultListingID = "default"

	// DesignPrefix marks database design documents, which are never
	// projects or listings.
	DesignPrefix = "_design/"

	projectIDSeparator = "||"
)

// Listing is one entry of the directory database.
type Listing struct {
	ID          string              `json:"_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	ProjectsDB  *connection.Overlay `json:"projects_db,omitempty"`
	PeopleDB    *connection.Overlay `json:"people_db,omitempty"`
	LocalOnly   bool                `json:"local_only,omitempty"`
}

// ActiveProject records that the user activated a project on this device.
// Its document id is the composite project id.
type ActiveProject struct {
	ID                string `json:"_id"`
	ListingID         string `json:"listing_id"`
	ProjectID         string `json:"project_id"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	IsSync            bool   `json:"is_sync"`
	IsSyncAttachments bool   `json:"is_sync_attachments"`
}

// Project is one entry of a listing's projects database.
type Project struct {
	ID          string              `json:"_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Status      string              `json:"status,omitempty"`
	MetadataDB  *connection.Overlay `json:"metadata_db,omitempty"`
	DataDB      *connection.Overlay `json:"data_db,omitempty"`
	Created     string              `json:"created,omitempty"`
	LastUpdated string              `json:"last_updated,omitempty"`
}

// ProjectInformation is the display summary of an active project.
type ProjectInformation struct {
	ProjectID          string `json:"project_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	LastUpdated        string `json:"last_updated,omitempty"`
	Created            string `json:"created,omitempty"`
	Status             string `json:"status,omitempty"`
	IsActivated        bool   `json:"is_activated"`
	ListingID          string `json:"listing_id"`
	NonUniqueProjectID string `json:"non_unique_project_id"`
}

// ResolveProjectID builds the system-wide id of a project.
func ResolveProjectID(listingID, projectID string) string {
	return listingID + projectIDSeparator + projectID
}

// SplitProjectID is the inverse of ResolveProjectID.
func SplitProjectID(id string) (listingID, projectID string, err error) {
	l, p, ok := strings.Cut(id, projectIDSeparator)
	if !ok || l == "" || p == "" {
		return "", "", common.ErrInvalidProjectID
	}
	return l, p, nil
}

// ValidProjectID reports whether id can name a project document.
func ValidProjectID(id string) bool {
	return id != "" && !strings.HasPrefix(id, "_")
}

// Now returns the current time in the document timestamp format.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t the way documents store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a document timestamp. Invalid input yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
