package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/catalog"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/provisioner"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/testutil"
)

// MockLoader is a ports.ActorLoader with an overridable LoadFunc.
type MockLoader struct {
	LoadFunc func(ctx context.Context, module []byte) (*entities.Actor, error)
}

func (m *MockLoader) Load(ctx context.Context, module []byte) (*entities.Actor, error) {
	return m.LoadFunc(ctx, module)
}

type OrchestratorSuite struct {
	suite.Suite
	host   *testutil.FakeHost
	prov   *provisioner.Provisioner
	orch   *Orchestrator
	logDir string
}

func (s *OrchestratorSuite) SetupTest() {
	s.host = testutil.NewFakeHost()
	s.prov = provisioner.New(s.host, catalog.Default(), testutil.NopFactory)
	s.orch = New(s.host, nil, s.prov)
	s.logDir = s.T().TempDir()
	s.Require().NoError(s.prov.PinEager(context.Background()))
	s.host.ResetCalls()
}

func (s *OrchestratorSuite) request() RunRequest {
	return RunRequest{LogDir: s.logDir, Env: entities.EnvVars{"FOO": "bar"}}
}

func (s *OrchestratorSuite) logFiles() []string {
	entries, err := os.ReadDir(s.logDir)
	s.Require().NoError(err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (s *OrchestratorSuite) TestHTTPAndLogging() {
	ctx := context.Background()
	actor := testutil.NewActor("UWEB", entities.HTTPServerCapability, entities.LoggingCapability)
	req := s.request()
	req.Port = 8080

	c, err := s.orch.RunActor(ctx, actor, req)
	s.Require().NoError(err)
	s.Equal(actor.Identity, c.Actor.Identity())
	s.Equal([]string{entities.LoggingCapability, entities.HTTPServerCapability}, c.Actor.Capabilities())

	logLink, ok := s.host.Link(actor.Identity, entities.LoggingCapability, "")
	s.Require().True(ok)
	s.Equal(c.Logs.Path(), logLink.Env[entities.LogPathKey])
	s.Equal("bar", logLink.Env["FOO"])
	s.Equal(catalog.LoggingProviderID, logLink.ProviderID)

	httpLink, ok := s.host.Link(actor.Identity, entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("8080", httpLink.Env[entities.PortKey])
	s.Equal("bar", httpLink.Env["FOO"])
	s.NotContains(httpLink.Env, entities.LogPathKey)
	s.Equal(2, s.host.LinkCount())

	s.Equal([]string{
		"StartActor UWEB",
		"SetLink UWEB wasmcloud:logging/default",
		"SetLink UWEB wasmcloud:httpserver/default",
	}, s.host.Calls())

	s.host.ResetCalls()
	s.Require().NoError(c.Stop(ctx))
	s.Equal([]string{
		"RemoveLink UWEB wasmcloud:httpserver/default",
		"RemoveLink UWEB wasmcloud:logging/default",
		"StopActor UWEB",
	}, s.host.Calls())
	s.Zero(s.host.LinkCount())
	s.False(s.host.Running(actor.Identity))
	s.Empty(c.Actor.Capabilities())
	s.Empty(s.logFiles())

	// Eager providers outlive the actor.
	s.True(s.prov.IsProvisioned(entities.HTTPServerCapability, ""))
	s.True(s.prov.IsProvisioned(entities.LoggingCapability, ""))
}

func (s *OrchestratorSuite) TestStopTwiceIsNoop() {
	ctx := context.Background()
	c, err := s.orch.RunActor(ctx, testutil.NewActor("UA", entities.LoggingCapability), s.request())
	s.Require().NoError(err)

	s.Require().NoError(c.Stop(ctx))
	s.host.ResetCalls()
	s.NoError(c.Stop(ctx))
	s.Empty(s.host.Calls())
	s.NoError(c.Actor.Wait(ctx))
}

func (s *OrchestratorSuite) TestBlobstorePerVolume() {
	ctx := context.Background()
	actor := testutil.NewActor("UBLOB", entities.BlobstoreCapability)
	req := s.request()
	req.Volumes = []entities.VolumeBinding{
		{Name: "data", HostPath: "/srv/data"},
		{Name: "cache", HostPath: "/srv/cache"},
	}

	c, err := s.orch.RunActor(ctx, actor, req)
	s.Require().NoError(err)
	s.Equal([]string{entities.BlobstoreCapability}, c.Actor.Capabilities())
	s.Equal(req.Volumes, c.Actor.Volumes())

	for _, v := range req.Volumes {
		spec, ok := s.host.Provider(entities.BlobstoreCapability, v.Name)
		s.Require().True(ok, v.Name)
		s.Equal(catalog.BlobstoreProviderID, spec.ProviderID)

		link, ok := s.host.Link(actor.Identity, entities.BlobstoreCapability, v.Name)
		s.Require().True(ok, v.Name)
		s.Equal(v.HostPath, link.Env[entities.RootDirKey])
	}

	boom := errors.New("unlink data failed")
	s.host.RemoveLinkErr = func(_ entities.ActorIdentity, _ string, binding string) error {
		if binding == "data" {
			return boom
		}
		return nil
	}

	err = c.Stop(ctx)
	s.Require().Error(err)
	s.ErrorIs(err, boom)
	var teardown *domainerrors.TeardownError
	s.Require().ErrorAs(err, &teardown)
	s.False(domainerrors.IsStopFailure(err))

	_, cacheLinked := s.host.Link(actor.Identity, entities.BlobstoreCapability, "cache")
	s.False(cacheLinked)
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "data"))
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "cache"))
	s.False(s.host.Running(actor.Identity))
	s.Empty(c.Actor.Volumes())
}

func (s *OrchestratorSuite) TestBlobstoreSharedVolume() {
	ctx := context.Background()
	req := s.request()
	req.Volumes = []entities.VolumeBinding{{Name: "shared", HostPath: "/srv/shared"}}

	first, err := s.orch.RunActor(ctx, testutil.NewActor("UONE", entities.BlobstoreCapability), req)
	s.Require().NoError(err)
	second, err := s.orch.RunActor(ctx, testutil.NewActor("UTWO", entities.BlobstoreCapability), req)
	s.Require().NoError(err)

	s.Require().NoError(first.Stop(ctx))
	s.True(s.prov.IsProvisioned(entities.BlobstoreCapability, "shared"))
	_, ok := s.host.Link("UTWO", entities.BlobstoreCapability, "shared")
	s.True(ok)

	s.Require().NoError(second.Stop(ctx))
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "shared"))
}

func (s *OrchestratorSuite) TestBlobstoreWithoutVolumes() {
	c, err := s.orch.RunActor(context.Background(), testutil.NewActor("UA", entities.BlobstoreCapability), s.request())
	s.Require().NoError(err)
	s.Empty(c.Actor.Capabilities())
	s.Zero(s.host.LinkCount())
	s.True(s.host.Running("UA"))
}

func (s *OrchestratorSuite) TestUnmanagedCapabilitySkipped() {
	ctx := context.Background()
	actor := testutil.NewActor("UA", "wasmcloud:keyvalue", entities.LoggingCapability)

	c, err := s.orch.RunActor(ctx, actor, s.request())
	s.Require().NoError(err)
	s.Equal([]string{entities.LoggingCapability}, c.Actor.Capabilities())
	s.Equal(1, s.host.LinkCount())
	s.NoError(c.Stop(ctx))
}

func (s *OrchestratorSuite) TestLinkFailureLeavesActorRunning() {
	ctx := context.Background()
	actor := testutil.NewActor("UWEB", entities.LoggingCapability, entities.HTTPServerCapability)
	req := s.request()
	req.Port = 8080
	boom := errors.New("bind: address already in use")
	s.host.SetLinkErr = func(_ entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
		if desc.Name == entities.HTTPServerCapability {
			return boom
		}
		return nil
	}

	c, err := s.orch.RunActor(ctx, actor, req)
	s.Require().Error(err)
	s.ErrorIs(err, domainerrors.ErrLink)
	s.ErrorIs(err, boom)
	var linkErr *domainerrors.LinkError
	s.Require().ErrorAs(err, &linkErr)
	s.Equal(entities.HTTPServerCapability, linkErr.Capability)

	// Nothing is rolled back.
	s.Require().NotNil(c)
	s.True(s.host.Running(actor.Identity))
	_, logged := s.host.Link(actor.Identity, entities.LoggingCapability, "")
	s.True(logged)
	s.Equal([]string{entities.LoggingCapability}, c.Actor.Capabilities())

	s.host.SetLinkErr = nil
	s.Require().NoError(c.Stop(ctx))
	s.False(s.host.Running(actor.Identity))
	s.Zero(s.host.LinkCount())
}

func (s *OrchestratorSuite) TestBlobLinkFailureReleasesUnlinked() {
	ctx := context.Background()
	actor := testutil.NewActor("UBLOB", entities.BlobstoreCapability)
	req := s.request()
	req.Volumes = []entities.VolumeBinding{
		{Name: "data", HostPath: "/srv/data"},
		{Name: "cache", HostPath: "/srv/cache"},
	}
	s.host.SetLinkErr = func(_ entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
		if desc.Binding == "cache" {
			return errors.New("refused")
		}
		return nil
	}

	c, err := s.orch.RunActor(ctx, actor, req)
	s.Require().ErrorIs(err, domainerrors.ErrLink)
	s.Equal(req.Volumes[:1], c.Actor.Volumes())
	s.True(s.prov.IsProvisioned(entities.BlobstoreCapability, "data"))
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "cache"))

	s.Require().NoError(c.Stop(ctx))
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "data"))
}

func (s *OrchestratorSuite) TestMissingPortFailsBeforeStart() {
	_, err := s.orch.RunActor(context.Background(), testutil.NewActor("UWEB", entities.HTTPServerCapability), s.request())
	s.Require().Error(err)
	var cfgErr *domainerrors.ConfigError
	s.ErrorAs(err, &cfgErr)
	s.Empty(s.host.Calls())
	s.Empty(s.logFiles())
}

func (s *OrchestratorSuite) TestProvisionFailureReleasesEarlier() {
	ctx := context.Background()
	host := testutil.NewFakeHost()
	prov := provisioner.New(host, catalog.Default(), testutil.NopFactory)
	orch := New(host, nil, prov)
	host.StartProviderErr = func(capability, _ string) error {
		if capability == entities.BlobstoreCapability {
			return errors.New("disk full")
		}
		return nil
	}
	req := s.request()
	req.Volumes = []entities.VolumeBinding{{Name: "data", HostPath: "/srv/data"}}

	_, err := orch.RunActor(ctx, testutil.NewActor("UA", entities.LoggingCapability, entities.BlobstoreCapability), req)
	s.Require().ErrorIs(err, domainerrors.ErrProvision)
	s.False(host.Running("UA"))
	s.False(prov.IsProvisioned(entities.LoggingCapability, ""))
	s.Contains(host.Calls(), "StopProvider wasmcloud:logging/default")
	s.Empty(s.logFiles())
}

func (s *OrchestratorSuite) TestStartFailureReleasesProviders() {
	ctx := context.Background()
	s.host.StartActorErr = func(entities.ActorIdentity) error { return errors.New("trap in _initialize") }
	req := s.request()
	req.Volumes = []entities.VolumeBinding{{Name: "data", HostPath: "/srv/data"}}

	c, err := s.orch.RunActor(ctx, testutil.NewActor("UA", entities.BlobstoreCapability), req)
	s.Require().Error(err)
	s.Nil(c)
	s.False(s.prov.IsProvisioned(entities.BlobstoreCapability, "data"))
	s.Zero(s.host.LinkCount())
	s.Empty(s.logFiles())
}

func (s *OrchestratorSuite) TestStopFailureIsRetryable() {
	ctx := context.Background()
	actor := testutil.NewActor("UA", entities.LoggingCapability, entities.BlobstoreCapability)
	req := s.request()
	req.Volumes = []entities.VolumeBinding{{Name: "data", HostPath: "/srv/data"}}
	c, err := s.orch.RunActor(ctx, actor, req)
	s.Require().NoError(err)

	stopErr := errors.New("module busy")
	s.host.StopActorErr = func(entities.ActorIdentity) error { return stopErr }
	err = c.Stop(ctx)
	s.Require().True(domainerrors.IsStopFailure(err))
	s.ErrorIs(err, stopErr)
	s.True(s.host.Running(actor.Identity))
	s.Zero(s.host.LinkCount())
	s.Empty(c.Actor.Volumes())
	s.NotEmpty(s.logFiles())

	s.host.StopActorErr = nil
	s.host.ResetCalls()
	s.Require().NoError(c.Stop(ctx))
	s.Equal([]string{"StopActor UA"}, s.host.Calls())
	s.Empty(s.logFiles())
}

func (s *OrchestratorSuite) TestLogsRoundTrip() {
	ctx := context.Background()
	c, err := s.orch.RunActor(ctx, testutil.NewActor("UA", entities.LoggingCapability), s.request())
	s.Require().NoError(err)
	defer c.Stop(ctx)

	link, ok := s.host.Link("UA", entities.LoggingCapability, "")
	s.Require().True(ok)
	payload := []byte("[UA] hello from the actor\n")
	s.Require().NoError(os.WriteFile(link.Env[entities.LogPathKey], payload, 0o600))

	r, err := c.NewReader()
	s.Require().NoError(err)
	defer r.Close()
	got, err := io.ReadAll(r)
	s.Require().NoError(err)
	s.Equal(payload, got)
}

func (s *OrchestratorSuite) TestRunLoadsModule() {
	ctx := context.Background()
	actor := testutil.NewActor("UA", entities.LoggingCapability)
	var seen []byte
	orch := New(s.host, &MockLoader{LoadFunc: func(_ context.Context, module []byte) (*entities.Actor, error) {
		seen = module
		return actor, nil
	}}, s.prov)

	req := s.request()
	req.Module = []byte("module")
	c, err := orch.Run(ctx, req)
	s.Require().NoError(err)
	s.Equal([]byte("module"), seen)
	s.NoError(c.Stop(ctx))
}

func (s *OrchestratorSuite) TestRunInvalidModule() {
	invalid := &domainerrors.InvalidModuleError{Reason: "module is not signed"}
	orch := New(s.host, &MockLoader{LoadFunc: func(context.Context, []byte) (*entities.Actor, error) {
		return nil, invalid
	}}, s.prov)

	c, err := orch.Run(context.Background(), s.request())
	s.Nil(c)
	s.ErrorIs(err, domainerrors.ErrInvalidModule)
	s.Empty(s.host.Calls())
	s.Empty(s.logFiles())
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func TestRunActor_MissingLogDir(t *testing.T) {
	host := testutil.NewFakeHost()
	orch := New(host, nil, provisioner.New(host, catalog.Default(), testutil.NopFactory))

	_, err := orch.RunActor(context.Background(), testutil.NewActor("UA"), RunRequest{
		LogDir: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	assert.Empty(t, host.Calls())
}

func (s *OrchestratorSuite) TestRetriedStopReleasesOnce() {
	ctx := context.Background()
	host := testutil.NewFakeHost()
	prov := provisioner.New(host, catalog.Default(), testutil.NopFactory)
	orch := New(host, nil, prov)

	first, err := orch.RunActor(ctx, testutil.NewActor("UONE", entities.LoggingCapability), s.request())
	s.Require().NoError(err)
	second, err := orch.RunActor(ctx, testutil.NewActor("UTWO", entities.LoggingCapability), s.request())
	s.Require().NoError(err)

	unlinkErr := errors.New("link busy")
	host.RemoveLinkErr = func(actor entities.ActorIdentity, _ string, _ string) error {
		if actor == "UONE" {
			return unlinkErr
		}
		return nil
	}
	host.StopActorErr = func(entities.ActorIdentity) error { return errors.New("module busy") }

	err = first.Stop(ctx)
	s.Require().True(domainerrors.IsStopFailure(err))
	s.ErrorIs(err, unlinkErr)
	s.Equal([]string{entities.LoggingCapability}, first.Actor.Capabilities())

	host.RemoveLinkErr = nil
	host.StopActorErr = nil
	s.Require().NoError(first.Stop(ctx))
	s.True(prov.IsProvisioned(entities.LoggingCapability, ""))

	s.Require().NoError(second.Stop(ctx))
	s.False(prov.IsProvisioned(entities.LoggingCapability, ""))
}

func (s *OrchestratorSuite) TestFailedUnlinkReleasedAfterStop() {
	ctx := context.Background()
	host := testutil.NewFakeHost()
	prov := provisioner.New(host, catalog.Default(), testutil.NopFactory)
	orch := New(host, nil, prov)

	c, err := orch.RunActor(ctx, testutil.NewActor("UA", entities.LoggingCapability), s.request())
	s.Require().NoError(err)

	unlinkErr := errors.New("link busy")
	host.RemoveLinkErr = func(entities.ActorIdentity, string, string) error { return unlinkErr }

	err = c.Stop(ctx)
	var teardown *domainerrors.TeardownError
	s.Require().ErrorAs(err, &teardown)
	s.False(domainerrors.IsStopFailure(err))
	s.False(host.Running("UA"))
	s.False(prov.IsProvisioned(entities.LoggingCapability, ""))
}
