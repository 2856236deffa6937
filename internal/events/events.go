package events

import (
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
)

// DirectoryLocal fires once the local directory mirror has been read.
type DirectoryLocal struct {
	ListingIDs []string
}

// DirectoryPaused fires when the directory replication settled.
type DirectoryPaused struct {
	ListingIDs []string
	Changes    []*docstore.Document
}

// DirectoryActive fires when the directory started receiving changes.
type DirectoryActive struct {
	ListingIDs []string
}

type DirectoryError struct {
	Err error
}

// ListingLocal fires once a listing's local projects mirror has been read.
type ListingLocal struct {
	Listing    models.Listing
	Active     []models.ActiveProject
	People     *registry.Mirror
	Projects   *registry.Mirror
	Connection connection.Info
}

type ListingPaused struct {
	Listing    models.Listing
	Active     []models.ActiveProject
	People     *registry.Mirror
	Projects   *registry.Mirror
	Connection connection.Info
	Changes    []*docstore.Document
}

type ListingActive struct {
	Listing    models.Listing
	Active     []models.ActiveProject
	People     *registry.Mirror
	Projects   *registry.Mirror
	Connection connection.Info
}

type ListingError struct {
	ListingID string
	Err       error
}

// ProjectLocal fires once both local mirrors of a project exist.
type ProjectLocal struct {
	Listing models.Listing
	Active  models.ActiveProject
	Project models.Project
	Meta    *registry.Mirror
	Data    *registry.Mirror
}

type ProjectError struct {
	Listing models.Listing
	Active  models.ActiveProject
	Err     error
}

type ProjectMetaPaused struct {
	Listing models.Listing
	Active  models.ActiveProject
	Project models.Project
	Meta    *registry.Mirror
	Changes []*docstore.Document
}

type ProjectMetaActive struct {
	Listing models.Listing
	Active  models.ActiveProject
	Project models.Project
	Meta    *registry.Mirror
}

type ProjectDataPaused struct {
	Listing models.Listing
	Active  models.ActiveProject
	Project models.Project
	Data    *registry.Mirror
	Changes []*docstore.Document
}

type ProjectDataActive struct {
	Listing models.Listing
	Active  models.ActiveProject
	Project models.Project
	Data    *registry.Mirror
}

// ListingsKnown fires when the directory settled and every listing id is
// known.
type ListingsKnown struct {
	ListingIDs []string
}

// ProjectsKnown fires when every known listing settled; ProjectIDs are the
// composite ids of all active projects.
type ProjectsKnown struct {
	ProjectIDs []string
}

// ProjectsCreated fires when every known project has its local mirrors.
type ProjectsCreated struct{}

// MetaEntry is one project of MetasComplete. Err is set when the project
// failed before its metadata settled.
type MetaEntry struct {
	Active  models.ActiveProject
	Project *models.Project
	Meta    *registry.Mirror
	Err     error
}

// MetasComplete fires when the metadata of every known project settled.
type MetasComplete struct {
	Metas map[string]MetaEntry
}

// UpdateKind tells what happened to a project in ProjectUpdate.
type UpdateKind string

const (
	UpdateCreate UpdateKind = "create"
	UpdateUpdate UpdateKind = "update"
	UpdateDelete UpdateKind = "delete"
)

// ProjectUpdate fires when a project is set up, changes, or is torn down.
type ProjectUpdate struct {
	Kind        UpdateKind
	MetaChanged bool
	DataChanged bool
	Active      models.ActiveProject
	Project     models.Project
}

// MetaSyncState reports whether a project's metadata is replicating.
type MetaSyncState struct {
	Syncing bool
	Active  models.ActiveProject
	Project models.Project
}

// DataSyncState reports whether a project's data is replicating.
type DataSyncState struct {
	Syncing bool
	Active  models.ActiveProject
	Project models.Project
}
