package provider

import (
	"log/slog"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/provisioner"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/config"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/providers/blobstore"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/providers/httpserver"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/providers/logging"
)

// NativeFactory builds the built-in capability providers.
func NativeFactory(cfg config.Config, logger *slog.Logger) provisioner.Factory {
	return func(capability, binding string) (ports.CapabilityProvider, error) {
		l := logger.With("capability", capability, "binding", entities.NormalizeBinding(binding))
		switch capability {
		case entities.LoggingCapability:
			return logging.New(logging.WithLogger(l)), nil
		case entities.HTTPServerCapability:
			return httpserver.New(
				httpserver.WithLogger(l),
				httpserver.WithBindAddress(cfg.HTTPBindAddress),
				httpserver.WithShutdownTimeout(cfg.ShutdownTimeout),
				httpserver.WithMaxBodySize(int(cfg.MaxRequestSize)),
			), nil
		case entities.BlobstoreCapability:
			return blobstore.New(
				blobstore.WithLogger(l),
				blobstore.WithMaxChunkSize(uint64(cfg.MaxRequestSize)),
			), nil
		}
		return nil, &domainerrors.UnknownCapabilityError{Capability: capability}
	}
}
