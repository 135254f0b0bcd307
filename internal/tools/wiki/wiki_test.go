package wiki

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allura.org/internal/artifact"
	"allura.org/internal/forgetest"
	"allura.org/internal/model"
	"allura.org/internal/tool"
)

func TestInstallCreatesRootPage(t *testing.T) {
	w := New()
	f := forgetest.New(t, w)
	app, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "wiki", MountPoint: "wiki"})
	require.NoError(t, err)
	assert.Equal(t, "Home", app.Options.String("root_page_name"))

	link, err := f.Artifacts.Resolve(f.Ctx, forgetest.ProjectID, "", "[wiki:home]")
	require.NoError(t, err)
	ref, err := f.Artifacts.Lookup(f.Ctx, link.RefID)
	require.NoError(t, err)
	assert.Equal(t, artifact.Pointer{Collection: Collection, Tool: "wiki"}, ref.Ref)
}

func TestSavePageKeepsHistory(t *testing.T) {
	w := New()
	f := forgetest.New(t, w)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "wiki", MountPoint: "docs"})
	require.NoError(t, err)

	sc, ctx := f.Scope(forgetest.DevUser)
	inst := f.Instance(ctx, "docs")
	page, err := w.SavePage(ctx, inst, "Home", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, page.Version)
	page, err = w.SavePage(ctx, inst, "Home", "third")
	require.NoError(t, err)
	assert.Equal(t, 3, page.Version)
	require.NoError(t, sc.Commit(ctx))

	hist, err := w.History(f.Ctx, inst, page)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, 3, hist[2].Version)
	assert.Equal(t, forgetest.DevUser, hist[2].AuthorID)
	assert.Equal(t, 1, f.Store.Count(Collection))
}

func TestUninstallRemovesHistory(t *testing.T) {
	w := New()
	f := forgetest.New(t, w)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "wiki", MountPoint: "wiki"})
	require.NoError(t, err)
	require.Equal(t, 1, f.Store.Count(model.ArtifactStates))
	require.NoError(t, f.Manager.Uninstall(f.Ctx, f.Project, "wiki"))
	assert.Equal(t, 0, f.Store.Count(model.ArtifactStates))
	assert.Equal(t, 0, f.Store.Count(Collection))
	assert.Equal(t, 0, f.Store.Count(artifact.Shortlinks))
}
