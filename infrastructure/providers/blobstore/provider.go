// Package blobstore implements the wasmcloud:blobstore capability on the
// local filesystem. Each provider instance serves one volume binding; the
// actor's ROOT link value names the directory containers live under.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

const (
	// DefaultChunkSize is used for downloads that don't ask for a chunk size.
	DefaultChunkSize = 64 * 1024
	// DefaultMaxChunkSize caps the chunk size an actor may ask for.
	DefaultMaxChunkSize = 1 << 20
)

var (
	errNoRoot   = errors.New("root directory was unspecified")
	errEscaping = errors.New("path escapes the volume root")
)

type providerConfig struct {
	logger       *slog.Logger
	maxChunkSize uint64
}

// Option configures a Provider.
type Option func(*providerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *providerConfig) {
		c.logger = l
	}
}

// WithMaxChunkSize caps download chunks. Larger requested sizes are
// lowered to n.
func WithMaxChunkSize(n uint64) Option {
	return func(c *providerConfig) {
		if n > 0 {
			c.maxChunkSize = n
		}
	}
}

type binding struct {
	root   string
	cancel context.CancelFunc
	ctx    context.Context
}

// Provider stores blobs as files below each bound actor's root.
type Provider struct {
	dispatcher ports.Dispatcher
	bindings   map[entities.ActorIdentity]*binding
	config     providerConfig
	downloads  sync.WaitGroup
	mu         sync.RWMutex
}

var _ ports.CapabilityProvider = (*Provider)(nil)

// New creates a filesystem blob store provider.
func New(opts ...Option) *Provider {
	cfg := providerConfig{logger: slog.Default(), maxChunkSize: DefaultMaxChunkSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		bindings: make(map[entities.ActorIdentity]*binding),
		config:   cfg,
	}
}

func (p *Provider) Start(_ context.Context, d ports.Dispatcher) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatcher = d
	return nil
}

// BindActor roots the actor at ROOT, creating the directory if needed.
func (p *Provider) BindActor(ctx context.Context, actor entities.ActorIdentity, env entities.EnvVars) error {
	root, ok := env[entities.RootDirKey]
	if !ok || root == "" {
		return errNoRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating blob root: %w", err)
	}

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	prev := p.bindings[actor]
	p.bindings[actor] = &binding{root: root, ctx: bctx, cancel: cancel}
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	p.config.logger.DebugContext(ctx, "blob store bound", "actor", actor, "root", root)
	return nil
}

func (p *Provider) RemoveActor(_ context.Context, actor entities.ActorIdentity) error {
	p.mu.Lock()
	b := p.bindings[actor]
	delete(p.bindings, actor)
	p.mu.Unlock()

	if b != nil {
		b.cancel()
	}
	return nil
}

// Stop cancels outstanding downloads and waits for them to finish.
func (p *Provider) Stop(context.Context) error {
	p.mu.Lock()
	bindings := p.bindings
	p.bindings = make(map[entities.ActorIdentity]*binding)
	p.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
	}
	p.downloads.Wait()
	return nil
}

// HandleCall serves the blob store operations.
func (p *Provider) HandleCall(ctx context.Context, actor entities.ActorIdentity, operation string, payload []byte) ([]byte, error) {
	p.mu.RLock()
	b := p.bindings[actor]
	p.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("actor %s has no blob store bound", actor)
	}

	switch operation {
	case entities.OpCreateContainer:
		return handle(payload, func(c entities.BlobContainer) (any, error) { return c, p.createContainer(b, c) })
	case entities.OpRemoveContainer:
		return handle(payload, func(c entities.BlobContainer) (any, error) { return nil, p.removeContainer(b, c) })
	case entities.OpStartUpload:
		return handle(payload, func(c entities.FileChunk) (any, error) { return nil, p.startUpload(b, c) })
	case entities.OpUploadChunk:
		return handle(payload, func(c entities.FileChunk) (any, error) { return nil, p.uploadChunk(b, c) })
	case entities.OpGetObjectInfo:
		return handle(payload, func(r entities.BlobRequest) (any, error) { return p.objectInfo(b, r) })
	case entities.OpRemoveObject:
		return handle(payload, func(r entities.BlobRequest) (any, error) { return nil, p.removeObject(b, r) })
	case entities.OpStartDownload:
		return handle(payload, func(r entities.StreamRequest) (any, error) { return p.startDownload(ctx, actor, b, r) })
	default:
		return nil, fmt.Errorf("unsupported blobstore operation %q", operation)
	}
}

func handle[Req any](payload []byte, fn func(Req) (any, error)) ([]byte, error) {
	var req Req
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	resp, err := fn(req)
	if err != nil || resp == nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// resolve joins parts below root, refusing anything that would leave it.
func resolve(root string, parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", errEscaping, filepath.Join(parts...))
	}
	return filepath.Join(root, rel), nil
}

func (p *Provider) createContainer(b *binding, c entities.BlobContainer) error {
	dir, err := resolve(b.root, c.ID)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (p *Provider) removeContainer(b *binding, c entities.BlobContainer) error {
	dir, err := resolve(b.root, c.ID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (p *Provider) startUpload(b *binding, c entities.FileChunk) error {
	path, err := resolve(b.root, c.Container.ID, c.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if len(c.ChunkBytes) > 0 {
		if _, err := f.Write(c.ChunkBytes); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func (p *Provider) uploadChunk(b *binding, c entities.FileChunk) error {
	path, err := resolve(b.root, c.Container.ID, c.ID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("upload of %s was not started: %w", c.ID, err)
	}
	if _, err := f.Write(c.ChunkBytes); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Provider) objectInfo(b *binding, r entities.BlobRequest) (entities.Blob, error) {
	path, err := resolve(b.root, r.ContainerID, r.ID)
	if err != nil {
		return entities.Blob{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return entities.Blob{ID: entities.MissingBlobID, Container: r.ContainerID}, nil
	}
	if err != nil {
		return entities.Blob{}, err
	}
	return entities.Blob{ID: r.ID, Container: r.ContainerID, Size: uint64(info.Size())}, nil //nolint:gosec // G115: file sizes are non-negative
}

func (p *Provider) removeObject(b *binding, r entities.BlobRequest) error {
	path, err := resolve(b.root, r.ContainerID, r.ID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// startDownload replies with the object's info and streams its chunks to
// the actor afterwards. The chunks cannot be delivered inline: the actor
// is still inside the call that asked for them.
func (p *Provider) startDownload(ctx context.Context, actor entities.ActorIdentity, b *binding, r entities.StreamRequest) (entities.Blob, error) {
	path, err := resolve(b.root, r.ContainerID, r.ID)
	if err != nil {
		return entities.Blob{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return entities.Blob{}, err
	}
	chunkSize := min(r.ChunkSize, p.config.maxChunkSize)
	if chunkSize == 0 {
		chunkSize = min(DefaultChunkSize, p.config.maxChunkSize)
	}
	blob := entities.Blob{ID: r.ID, Container: r.ContainerID, Size: uint64(info.Size())} //nolint:gosec // G115: file sizes are non-negative

	p.mu.RLock()
	dispatcher := p.dispatcher
	p.mu.RUnlock()
	if dispatcher == nil {
		return entities.Blob{}, errors.New("provider not started")
	}

	p.downloads.Add(1)
	go func() {
		defer p.downloads.Done()
		defer func() {
			if rec := recover(); rec != nil {
				p.config.logger.ErrorContext(ctx, "download panicked", "actor", actor, "panic", rec)
			}
		}()
		if err := p.stream(b.ctx, dispatcher, actor, path, blob, chunkSize); err != nil {
			p.config.logger.WarnContext(ctx, "download failed", "actor", actor, "object", r.ID, "error", err)
		}
	}()
	return blob, nil
}

func (p *Provider) stream(ctx context.Context, d ports.Dispatcher, actor entities.ActorIdentity, path string, blob entities.Blob, chunkSize uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for seq := uint64(0); ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk, merr := json.Marshal(entities.FileChunk{
				SequenceNo: seq,
				Container:  entities.BlobContainer{ID: blob.Container},
				ID:         blob.ID,
				TotalBytes: blob.Size,
				ChunkSize:  chunkSize,
				ChunkBytes: buf[:n],
			})
			if merr != nil {
				return merr
			}
			if _, derr := d.Dispatch(ctx, actor, entities.OpReceiveChunk, chunk); derr != nil {
				return derr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
