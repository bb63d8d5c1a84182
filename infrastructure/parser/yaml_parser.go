package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// YamlWorkloadParser implements ports.WorkloadParser for YAML manifests.
type YamlWorkloadParser struct {
	validate *validator.Validate
}

var _ ports.WorkloadParser = (*YamlWorkloadParser)(nil)

// NewYamlWorkloadParser creates a new YamlWorkloadParser.
func NewYamlWorkloadParser() *YamlWorkloadParser {
	return &YamlWorkloadParser{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Parse unmarshals and validates a manifest.
func (p *YamlWorkloadParser) Parse(data []byte) (*entities.WorkloadManifest, error) {
	var manifest entities.WorkloadManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, &domainerrors.ValidationError{Field: "manifest", Reason: err.Error()}
	}
	if err := p.validate.Struct(manifest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &domainerrors.ValidationError{
				Workload: manifest.Name,
				Field:    verrs[0].Namespace(),
				Reason:   fmt.Sprintf("failed %q check", verrs[0].Tag()),
			}
		}
		return nil, &domainerrors.ValidationError{Workload: manifest.Name, Reason: err.Error()}
	}
	return &manifest, nil
}

// ParseFile reads a manifest and the modules it references. Relative
// module and volume paths are resolved against the manifest's directory.
func (p *YamlWorkloadParser) ParseFile(path string) (*entities.Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest, err := p.Parse(data)
	if err != nil {
		return nil, err
	}
	return ToWorkload(manifest, filepath.Dir(path))
}

// ToWorkload resolves a manifest into a workload, reading every module.
func ToWorkload(m *entities.WorkloadManifest, baseDir string) (*entities.Workload, error) {
	w := &entities.Workload{Key: entities.NewWorkloadKey(m.Namespace, m.Name)}
	for _, v := range m.Volumes {
		w.Volumes = append(w.Volumes, entities.VolumeBinding{Name: v.Name, HostPath: resolve(baseDir, v.HostPath)})
	}

	var err error
	if w.Containers, err = containers(m.Containers, baseDir); err != nil {
		return nil, err
	}
	if w.InitContainers, err = containers(m.InitContainers, baseDir); err != nil {
		return nil, err
	}
	return w, nil
}

func containers(ms []entities.ContainerManifest, baseDir string) ([]entities.Container, error) {
	var out []entities.Container
	for _, c := range ms {
		module, err := os.ReadFile(resolve(baseDir, c.Module))
		if err != nil {
			return nil, fmt.Errorf("failed to read module of container %s: %w", c.Name, err)
		}
		image := c.Image
		if image == "" {
			image = c.Module
		}
		out = append(out, entities.Container{
			Name:         c.Name,
			Image:        image,
			Module:       module,
			Env:          c.Env.Clone(),
			Args:         c.Args,
			VolumeMounts: c.VolumeMounts,
		})
	}
	return out, nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
