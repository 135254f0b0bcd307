package model

import (
	"context"
	"fmt"
	"time"

	"allura.org/internal/docstore"
)

// VersionedDoc is an artifact that keeps its history.
type VersionedDoc interface {
	docstore.Document
	Base() *Artifact
	Revision() *Versioned
}

// Revision exposes the counter for VersionedDoc.
func (v *Versioned) Revision() *Versioned { return v }

// SaveVersion bumps the version of doc, saves it and stores a snapshot of
// the new state, all within sess.
func SaveVersion(ctx context.Context, sess *docstore.Session, coll string, doc VersionedDoc, authorID string, now time.Time) error {
	rev := doc.Revision()
	rev.Version++
	if err := sess.Save(ctx, coll, doc); err != nil {
		rev.Version--
		return err
	}
	snap := &Snapshot{
		ID:          fmt.Sprintf("%s:%d", doc.DocID(), rev.Version),
		ArtifactID:  doc.DocID(),
		AppConfigID: doc.Base().AppConfigID,
		Collection:  coll,
		Version:     rev.Version,
		AuthorID:    authorID,
		Timestamp:   now.UTC(),
		Data:        doc,
	}
	return sess.Insert(ctx, ArtifactStates, snap)
}
