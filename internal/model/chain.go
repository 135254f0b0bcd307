package model

import (
	"context"

	"allura.org/internal/security"
)

// ProjectChain returns the ACLs guarding a project: its own, each ancestor's,
// then the neighborhood's.
func (r *Repo) ProjectChain(ctx context.Context, p *Project) (security.Chain, error) {
	chain := security.Chain{ProjectID: p.ID}
	cur := p
	seen := map[string]struct{}{}
	for {
		chain.Levels = append(chain.Levels, cur.ACL)
		if cur.IsRoot() {
			break
		}
		if _, loop := seen[cur.ID]; loop {
			break
		}
		seen[cur.ID] = struct{}{}
		parent, err := r.Project(ctx, cur.ParentID)
		if err != nil {
			return chain, err
		}
		cur = parent
	}
	if p.NeighborhoodID != "" {
		n, err := r.Neighborhood(ctx, p.NeighborhoodID)
		if err != nil {
			return chain, err
		}
		chain.Levels = append(chain.Levels, n.ACL)
	}
	return chain, nil
}

// AppChain returns the ACLs guarding a tool installation.
func (r *Repo) AppChain(ctx context.Context, app *AppConfig) (security.Chain, error) {
	p, err := r.Project(ctx, app.ProjectID)
	if err != nil {
		return security.Chain{}, err
	}
	outer, err := r.ProjectChain(ctx, p)
	if err != nil {
		return outer, err
	}
	outer.Levels = append([]security.ACL{app.ACL}, outer.Levels...)
	return outer, nil
}

// ArtifactChain returns the ACLs guarding an artifact.
func (r *Repo) ArtifactChain(ctx context.Context, a *Artifact) (security.Chain, error) {
	app, err := r.AppConfig(ctx, a.AppConfigID)
	if err != nil {
		return security.Chain{}, err
	}
	outer, err := r.AppChain(ctx, app)
	if err != nil {
		return outer, err
	}
	outer.Levels = append([]security.ACL{a.ACL}, outer.Levels...)
	return outer, nil
}
