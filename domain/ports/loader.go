package ports

import (
	"context"
	"io"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

// ActorLoader parses and verifies raw actor module bytes.
type ActorLoader interface {
	Load(ctx context.Context, module []byte) (*entities.Actor, error)
}

// LogReaderFactory hands out independent readers over one container's log.
type LogReaderFactory interface {
	NewReader() (io.ReadCloser, error)
}

// WorkloadParser turns a manifest file into a runnable workload.
type WorkloadParser interface {
	ParseFile(path string) (*entities.Workload, error)
}
