// Package artifact maintains the derived indices of tool-owned documents:
// references from an artifact id to its tool and shortlinks from short text
// forms such as [#42] or [wiki:Home] to artifact ids.
package artifact

import (
	"allura.org/internal/docstore"
	"allura.org/internal/model"
)

// Collections.
const (
	References = "artifact_references"
	Shortlinks = "shortlinks"
)

// Routing keys of the index tasks.
const (
	KeyAddArtifacts = "add_artifacts"
	KeyDelArtifacts = "del_artifacts"
)

// Indexable is implemented by artifacts whose references are maintained.
type Indexable interface {
	docstore.Document
	Base() *model.Artifact
	ShouldUpdateIndex() bool
}

// Linkable artifacts expose a shortlink text, e.g. "#42" or "Home".
type Linkable interface {
	ShortlinkText() string
}

// Titled artifacts expose a display title used in events and feeds.
type Titled interface {
	Title() string
}

// Pointer locates the stored class of an artifact.
type Pointer struct {
	Collection string `json:"cls"`
	Tool       string `json:"module"`
}

// Reference maps an artifact id to its owning tool.
type Reference struct {
	ID          string  `json:"_id"`
	ProjectID   string  `json:"project_id"`
	AppConfigID string  `json:"app_config_id"`
	MountPoint  string  `json:"mount_point"`
	Ref         Pointer `json:"artifact_reference"`
}

func (r *Reference) DocID() string { return r.ID }

// Shortlink maps a canonical text form inside one tool to an artifact id.
type Shortlink struct {
	ID          string `json:"_id"`
	ProjectID   string `json:"project_id"`
	AppConfigID string `json:"app_config_id"`
	MountPoint  string `json:"mount_point"`
	Link        string `json:"link"`
	RefID       string `json:"ref_id"`
}

func (s *Shortlink) DocID() string { return s.ID }

// Task is the payload of add_artifacts and del_artifacts.
type Task struct {
	ArtifactIDs []string `json:"artifact_ids"`
}

// Created is the payload of forge.artifact_created.
type Created struct {
	ArtifactID string `json:"artifact_id"`
	Collection string `json:"collection"`
	Title      string `json:"title,omitempty"`
	Shortlink  string `json:"shortlink,omitempty"`
}

// Indexes lists the indexes of the derived collections.
func Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: References, Fields: []string{"app_config_id"}},
		{Collection: Shortlinks, Fields: []string{"app_config_id", "link"}, Unique: true},
		{Collection: Shortlinks, Fields: []string{"ref_id"}},
	}
}
