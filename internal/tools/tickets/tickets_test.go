package tickets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allura.org/internal/apperr"
	"allura.org/internal/artifact"
	"allura.org/internal/bus"
	"allura.org/internal/forgetest"
	"allura.org/internal/tool"
)

type recordingSink struct {
	added []string
}

func (s *recordingSink) Add(_ context.Context, refs []artifact.Reference) error {
	for _, r := range refs {
		s.added = append(s.added, r.ID)
	}
	return nil
}

func (s *recordingSink) Delete(context.Context, []string) error { return nil }

func TestTicketShortlinksResolve(t *testing.T) {
	tk := New()
	f := forgetest.New(t, tk)
	sink := &recordingSink{}
	f.Bus.MustRegister(f.Artifacts.Bindings(sink)...)

	app, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "tickets", MountPoint: "bugs", MountLabel: "Bugs"})
	require.NoError(t, err)

	sc, ctx := f.Scope(forgetest.DevUser)
	ticket, err := tk.Create(ctx, f.Instance(ctx, "bugs"), "first bug", "it broke")
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.Num)
	assert.Equal(t, forgetest.DevUser, ticket.ReportedBy)
	require.NoError(t, sc.Commit(ctx))

	link, err := f.Artifacts.Resolve(f.Ctx, forgetest.ProjectID, app.ID, "[#1]")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, link.RefID)
	link, err = f.Artifacts.Resolve(f.Ctx, forgetest.ProjectID, "", "[bugs:#1]")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, link.RefID)
	link, err = f.Artifacts.Resolve(f.Ctx, "", "", "[test:bugs:#1]")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, link.RefID)

	ref, err := f.Artifacts.Lookup(f.Ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.Pointer{Collection: Collection, Tool: "tickets"}, ref.Ref)
	assert.Equal(t, "bugs", ref.MountPoint)

	assert.Contains(t, f.Sent(bus.Audit), artifact.KeyAddArtifacts)
	assert.Contains(t, f.Sent(bus.React), bus.KeyArtifactAdded)

	_, err = f.Worker().Drain(f.Ctx, bus.Audit)
	require.NoError(t, err)
	assert.Equal(t, []string{ticket.ID}, sink.added)
}

func TestTicketNumbersIncrease(t *testing.T) {
	tk := New()
	f := forgetest.New(t, tk)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "tickets", MountPoint: "bugs"})
	require.NoError(t, err)

	sc, ctx := f.Scope(forgetest.DevUser)
	inst := f.Instance(ctx, "bugs")
	for i := 1; i <= 3; i++ {
		tkt, err := tk.Create(ctx, inst, "bug", "")
		require.NoError(t, err)
		assert.Equal(t, i, tkt.Num)
	}
	_, err = tk.Create(ctx, inst, "  ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	require.NoError(t, sc.Commit(ctx))
	assert.Equal(t, 3, f.Store.Count(Collection))
}

func TestRolledBackTicketIsNotIndexed(t *testing.T) {
	tk := New()
	f := forgetest.New(t, tk)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "tickets", MountPoint: "bugs"})
	require.NoError(t, err)
	sent := len(f.Transport.Sent())

	sc, ctx := f.Scope(forgetest.DevUser)
	_, err = tk.Create(ctx, f.Instance(ctx, "bugs"), "doomed", "")
	require.NoError(t, err)
	sc.Release(ctx)

	assert.Equal(t, 0, f.Store.Count(Collection))
	assert.Equal(t, 0, f.Store.Count(artifact.Shortlinks))
	assert.Len(t, f.Transport.Sent(), sent)
}

func TestBulkEditThroughWorker(t *testing.T) {
	tk := New()
	f := forgetest.New(t, tk)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "tickets", MountPoint: "bugs"})
	require.NoError(t, err)

	sc, ctx := f.Scope(forgetest.DevUser)
	inst := f.Instance(ctx, "bugs")
	for i := 0; i < 2; i++ {
		_, err := tk.Create(ctx, inst, "bug", "")
		require.NoError(t, err)
	}
	require.NoError(t, f.Pub.Audit(ctx, KeyBulkEdit, BulkEdit{Nums: []int{1, 2, 7}, Status: "closed"}))
	require.NoError(t, sc.Commit(ctx))

	f.Bus.MustRegister(f.Artifacts.Bindings(nil)...)
	_, err = f.Worker().Drain(f.Ctx, bus.Audit)
	require.NoError(t, err)
	assert.NotContains(t, f.Sent(bus.React), bus.KeyTaskFailed)

	sc, ctx = f.Scope("")
	defer sc.Release(ctx)
	for _, n := range []int{1, 2} {
		got, err := tk.Get(ctx, f.Instance(ctx, "bugs"), n)
		require.NoError(t, err)
		assert.Equal(t, "closed", got.Status)
	}
}

func TestInboundMailFilesTicket(t *testing.T) {
	tk := New()
	f := forgetest.New(t, tk)
	_, err := f.Manager.Install(f.Ctx, f.Project, tool.InstallRequest{ToolName: "tickets", MountPoint: "bugs"})
	require.NoError(t, err)
	require.NoError(t, f.Manager.HandleMail(f.Ctx, f.Project, "bugs", "Crash on start", []byte("stack trace")))
	assert.Equal(t, 1, f.Store.Count(Collection))
}
