package provider

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

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/state"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/config"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/testutil"
)

// MockLoader resolves modules by their bytes.
type MockLoader struct {
	Actors map[string]*entities.Actor
	OnLoad func()
}

func (m *MockLoader) Load(_ context.Context, module []byte) (*entities.Actor, error) {
	if m.OnLoad != nil {
		m.OnLoad()
	}
	a, ok := m.Actors[string(module)]
	if !ok {
		return nil, &domainerrors.InvalidModuleError{Reason: "unknown test module"}
	}
	return a, nil
}

type ProviderSuite struct {
	suite.Suite
	ctx    context.Context
	host   *testutil.FakeHost
	loader *MockLoader
	cfg    config.Config
	p      *Provider
}

func (s *ProviderSuite) SetupTest() {
	s.ctx = context.Background()
	s.host = testutil.NewFakeHost()
	s.loader = &MockLoader{Actors: map[string]*entities.Actor{
		"web":   testutil.NewActor("UWEB", entities.HTTPServerCapability, entities.LoggingCapability),
		"web2":  testutil.NewActor("UWEB2", entities.HTTPServerCapability),
		"log":   testutil.NewActor("ULOG", entities.LoggingCapability),
		"blob":  testutil.NewActor("UBLOB", entities.BlobstoreCapability),
		"plain": testutil.NewActor("UPLAIN"),
	}}
	s.cfg = config.Default()
	s.cfg.DataDir = s.T().TempDir()
	s.cfg.PortRange = config.PortRange{Min: 31000, Max: 31001}

	var err error
	s.p, err = New(s.ctx, s.cfg, WithHost(s.host), WithLoader(s.loader), WithFactory(testutil.NopFactory))
	s.Require().NoError(err)
}

func workload(name string, containers ...entities.Container) *entities.Workload {
	return &entities.Workload{Key: entities.NewWorkloadKey("", name), Containers: containers}
}

func container(name, module string) entities.Container {
	return entities.Container{Name: name, Module: []byte(module), Image: "registry.local/" + module}
}

func (s *ProviderSuite) TestEagerProvidersPinned() {
	_, ok := s.host.Provider(entities.LoggingCapability, "")
	s.True(ok)
	_, ok = s.host.Provider(entities.HTTPServerCapability, "")
	s.True(ok)
	s.DirExists(s.cfg.LogDir())
	s.DirExists(s.cfg.VolumeDir())
}

func (s *ProviderSuite) TestRunAndDeleteHTTPWorkload() {
	c := container("app", "web")
	c.Env = entities.EnvVars{"FOO": "bar"}
	w := workload("web", c)

	s.Require().NoError(s.p.Run(s.ctx, w))
	s.Equal([]entities.WorkloadKey{w.Key}, s.p.Workloads())

	link, ok := s.host.Link("UWEB", entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("31000", link.Env[entities.PortKey])
	s.Equal("bar", link.Env["FOO"])
	logLink, ok := s.host.Link("UWEB", entities.LoggingCapability, "")
	s.Require().True(ok)
	s.Equal(filepath.Join(s.cfg.LogDir(), "default-web"), filepath.Dir(logLink.Env[entities.LogPathKey]))

	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
	s.False(s.host.Running("UWEB"))
	s.Zero(s.host.LinkCount())
	s.Empty(s.p.Workloads())

	// The port is free again.
	s.Require().NoError(s.p.Run(s.ctx, workload("web2", container("app", "web2"))))
	link, ok = s.host.Link("UWEB2", entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("31000", link.Env[entities.PortKey])
}

func (s *ProviderSuite) TestPortsOnlyForHTTP() {
	s.Require().NoError(s.p.Run(s.ctx, workload("log", container("app", "log"))))
	s.Require().NoError(s.p.Run(s.ctx, workload("web", container("app", "web"))))

	link, ok := s.host.Link("UWEB", entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("31000", link.Env[entities.PortKey])
}

func (s *ProviderSuite) TestPortExhausted() {
	s.Require().NoError(s.p.Run(s.ctx, workload("a", container("app", "web"))))
	s.Require().NoError(s.p.Run(s.ctx, workload("b", container("app", "web2"))))
	s.host.ResetCalls()

	s.loader.Actors["web3"] = testutil.NewActor("UWEB3", entities.HTTPServerCapability)
	err := s.p.Run(s.ctx, workload("c", container("app", "web3")))
	s.Require().ErrorIs(err, domainerrors.ErrPortExhausted)
	s.Empty(s.host.Calls())
	s.Len(s.p.Workloads(), 2)
}

func (s *ProviderSuite) TestDuplicateWorkload() {
	w := workload("web", container("app", "log"))
	s.Require().NoError(s.p.Run(s.ctx, w))
	err := s.p.Run(s.ctx, w)
	s.ErrorIs(err, domainerrors.ErrDuplicateWorkload)
}

func (s *ProviderSuite) TestDeleteTwice() {
	w := workload("web", container("app", "log"))
	s.Require().NoError(s.p.Run(s.ctx, w))
	s.NoError(s.p.Delete(s.ctx, w.Key))
	s.NoError(s.p.Delete(s.ctx, w.Key))
	s.NoError(s.p.Delete(s.ctx, entities.NewWorkloadKey("other", "never")))
}

func (s *ProviderSuite) TestLogs() {
	w := workload("web", container("app", "log"))

	_, err := s.p.Logs(s.ctx, w.Key, "app")
	s.ErrorIs(err, domainerrors.ErrNotFound)

	s.Require().NoError(s.p.Run(s.ctx, w))
	_, err = s.p.Logs(s.ctx, w.Key, "sidecar")
	s.ErrorIs(err, domainerrors.ErrNotFound)

	link, ok := s.host.Link("ULOG", entities.LoggingCapability, "")
	s.Require().True(ok)
	payload := []byte("[ULOG] first\n[ULOG] second\n")
	s.Require().NoError(os.WriteFile(link.Env[entities.LogPathKey], payload, 0o600))

	r, err := s.p.Logs(s.ctx, w.Key, "app")
	s.Require().NoError(err)
	got, err := io.ReadAll(r)
	s.Require().NoError(err)
	s.Require().NoError(r.Close())
	s.Equal(payload, got)

	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
	_, err = s.p.Logs(s.ctx, w.Key, "app")
	s.ErrorIs(err, domainerrors.ErrNotFound)
}

func (s *ProviderSuite) TestValidation() {
	withArgs := container("app", "log")
	withArgs.Args = []string{"--verbose"}
	kubeProxy := container("proxy", "log")
	kubeProxy.Image = "k8s.gcr.io/kube-proxy:v1.20.0"
	initPod := workload("init", container("app", "log"))
	initPod.InitContainers = []entities.Container{container("setup", "plain")}

	for name, w := range map[string]*entities.Workload{
		"init containers": initPod,
		"args":            workload("args", withArgs),
		"kube-proxy":      workload("proxy", kubeProxy),
		"empty":           workload("empty"),
	} {
		s.Run(name, func() {
			err := s.p.Run(s.ctx, w)
			s.ErrorIs(err, domainerrors.ErrInvalidWorkload)
		})
	}
	s.Empty(s.p.Workloads())
	s.False(s.host.Running("ULOG"))
}

func (s *ProviderSuite) TestPartialStartIsRegistered() {
	w := workload("pair", container("a", "log"), container("b", "missing"))

	err := s.p.Run(s.ctx, w)
	s.Require().ErrorIs(err, domainerrors.ErrInvalidModule)
	s.True(s.host.Running("ULOG"))
	s.Equal([]entities.WorkloadKey{w.Key}, s.p.Workloads())

	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
	s.False(s.host.Running("ULOG"))
}

func (s *ProviderSuite) TestLinkFailureRegistersForCleanup() {
	s.host.SetLinkErr = func(_ entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
		if desc.Name == entities.HTTPServerCapability {
			return errors.New("address in use")
		}
		return nil
	}
	w := workload("web", container("app", "web"))

	err := s.p.Run(s.ctx, w)
	s.Require().ErrorIs(err, domainerrors.ErrLink)
	s.True(s.host.Running("UWEB"))
	s.Equal([]entities.WorkloadKey{w.Key}, s.p.Workloads())

	s.host.SetLinkErr = nil
	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
	s.False(s.host.Running("UWEB"))
	s.Zero(s.host.LinkCount())
}

func (s *ProviderSuite) TestStartFailureFreesPort() {
	s.host.StartActorErr = func(entities.ActorIdentity) error { return errors.New("trap") }
	err := s.p.Run(s.ctx, workload("web", container("app", "web")))
	s.Require().Error(err)
	s.Empty(s.p.Workloads())

	s.host.StartActorErr = nil
	s.Require().NoError(s.p.Run(s.ctx, workload("web", container("app", "web"))))
	link, ok := s.host.Link("UWEB", entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("31000", link.Env[entities.PortKey])
}

func (s *ProviderSuite) TestStopFailureKeepsWorkload() {
	w := workload("web", container("app", "web"))
	s.Require().NoError(s.p.Run(s.ctx, w))

	s.host.StopActorErr = func(entities.ActorIdentity) error { return errors.New("busy") }
	err := s.p.Delete(s.ctx, w.Key)
	s.Require().True(domainerrors.IsStopFailure(err))
	s.Equal([]entities.WorkloadKey{w.Key}, s.p.Workloads())

	// The port stays reserved while the actor runs.
	s.loader.Actors["web3"] = testutil.NewActor("UWEB3", entities.HTTPServerCapability)
	s.Require().NoError(s.p.Run(s.ctx, workload("other", container("app", "web3"))))
	link, ok := s.host.Link("UWEB3", entities.HTTPServerCapability, "")
	s.Require().True(ok)
	s.Equal("31001", link.Env[entities.PortKey])

	s.host.StopActorErr = nil
	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
	s.False(s.host.Running("UWEB"))
}

func (s *ProviderSuite) TestVolumesWithoutHostPath() {
	c := container("app", "blob")
	c.VolumeMounts = []string{"scratch", "shared"}
	w := workload("files", c)
	w.Volumes = []entities.VolumeBinding{
		{Name: "scratch"},
		{Name: "shared", HostPath: "/srv/shared"},
		{Name: "unused"},
	}

	s.Require().NoError(s.p.Run(s.ctx, w))
	scratch, ok := s.host.Link("UBLOB", entities.BlobstoreCapability, "scratch")
	s.Require().True(ok)
	s.Equal(filepath.Join(s.cfg.VolumeDir(), "default-files", "scratch"), scratch.Env[entities.RootDirKey])
	shared, ok := s.host.Link("UBLOB", entities.BlobstoreCapability, "shared")
	s.Require().True(ok)
	s.Equal("/srv/shared", shared.Env[entities.RootDirKey])
	_, ok = s.host.Provider(entities.BlobstoreCapability, "unused")
	s.False(ok)
}

func (s *ProviderSuite) TestCloseDeletesEverything() {
	s.Require().NoError(s.p.Run(s.ctx, workload("a", container("app", "web"))))
	s.Require().NoError(s.p.Run(s.ctx, workload("b", container("app", "log"))))

	s.Require().NoError(s.p.Close(s.ctx))
	s.Empty(s.p.Workloads())
	s.False(s.host.Running("UWEB"))
	s.False(s.host.Running("ULOG"))
}

func (s *ProviderSuite) TestDeleteReturnsWrappedMisses() {
	w := workload("web", container("app", "web"))
	s.Require().NoError(s.p.Run(s.ctx, w))

	s.host.StopActorErr = func(id entities.ActorIdentity) error {
		return &domainerrors.NotFoundError{Kind: "actor", Name: id.String()}
	}
	err := s.p.Delete(s.ctx, w.Key)
	s.Require().ErrorIs(err, domainerrors.ErrNotFound)
	s.True(domainerrors.IsStopFailure(err))
	s.Equal([]entities.WorkloadKey{w.Key}, s.p.Workloads())

	s.host.StopActorErr = nil
	s.Require().NoError(s.p.Delete(s.ctx, w.Key))
}

// registerFirst makes a concurrent Run of w win the table entry while the
// containers of this Run are loading.
func (s *ProviderSuite) registerFirst(w *entities.Workload) {
	s.loader.OnLoad = func() {
		s.loader.OnLoad = nil
		s.Require().NoError(s.p.state.Register(w.Key, state.NewPodHandle(w.Key)))
	}
}

func (s *ProviderSuite) TestLostRegistrationRaceStopsActors() {
	w := workload("web", container("app", "web"))
	s.registerFirst(w)

	err := s.p.Run(s.ctx, w)
	s.Require().ErrorIs(err, domainerrors.ErrDuplicateWorkload)
	s.False(s.host.Running("UWEB"))
	_, held := s.p.state.Ports().Holder(31000)
	s.False(held)
	s.Empty(s.p.orphans)
}

func (s *ProviderSuite) TestLostRegistrationRaceKeepsUnstoppedActors() {
	w := workload("web", container("app", "web"))
	s.registerFirst(w)
	s.host.StopActorErr = func(entities.ActorIdentity) error { return errors.New("busy") }

	err := s.p.Run(s.ctx, w)
	s.Require().ErrorIs(err, domainerrors.ErrDuplicateWorkload)
	s.True(s.host.Running("UWEB"))
	holder, held := s.p.state.Ports().Holder(31000)
	s.Require().True(held)
	s.Equal(w.Key, holder)
	s.Len(s.p.orphans, 1)

	s.host.StopActorErr = nil
	s.Require().NoError(s.p.Close(s.ctx))
	s.False(s.host.Running("UWEB"))
	s.Empty(s.p.orphans)
	_, held = s.p.state.Ports().Holder(31000)
	s.False(held)
}

func TestProviderSuite(t *testing.T) {
	suite.Run(t, new(ProviderSuite))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.PortRange = config.PortRange{Min: 2, Max: 1}
	_, err := New(context.Background(), cfg, WithHost(testutil.NewFakeHost()), WithLoader(&MockLoader{}))
	var cfgErr *domainerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestProvider_WazeroRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	p, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close(ctx)) }()

	module, id := testutil.SignedModule(t, testutil.ModuleOptions{
		Name:         "uploader",
		Capabilities: []string{entities.LoggingCapability, entities.BlobstoreCapability},
	})
	w := &entities.Workload{
		Key:     entities.NewWorkloadKey("apps", "uploader"),
		Volumes: []entities.VolumeBinding{{Name: "data"}},
		Containers: []entities.Container{
			{Name: "uploader", Module: module, VolumeMounts: []string{"data"}},
		},
	}

	require.NoError(t, p.Run(ctx, w))
	assert.DirExists(t, filepath.Join(cfg.VolumeDir(), "apps-uploader", "data"))

	r, err := p.Logs(ctx, w.Key, "uploader")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Empty(t, got)

	require.NoError(t, p.Delete(ctx, w.Key))
	assert.Empty(t, p.Workloads())

	// The same actor can run again once stopped.
	w.Key = entities.NewWorkloadKey("apps", "again")
	require.NoError(t, p.Run(ctx, w))
	assert.NotEmpty(t, id)
}

func TestProvider_RejectsUnsignedModule(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	p, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close(ctx)) }()

	err = p.Run(ctx, workload("bad", entities.Container{Name: "app", Module: []byte("\x00asm\x01\x00\x00\x00")}))
	assert.ErrorIs(t, err, domainerrors.ErrInvalidModule)
	assert.Empty(t, p.Workloads())
}
