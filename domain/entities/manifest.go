package entities

// WorkloadManifest is the on-disk description of a workload.
type WorkloadManifest struct {
	Namespace  string              `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name       string              `json:"name" yaml:"name" validate:"required"`
	Volumes    []VolumeBinding     `json:"volumes,omitempty" yaml:"volumes,omitempty" validate:"unique=Name,dive"`
	Containers []ContainerManifest `json:"containers" yaml:"containers" validate:"required,min=1,unique=Name,dive"`
	// InitContainers are accepted by the parser so admission can reject
	// them with a clear error.
	InitContainers []ContainerManifest `json:"init_containers,omitempty" yaml:"init_containers,omitempty" validate:"dive"`
}

// ContainerManifest describes one actor container. Module is a path to the
// signed actor module, resolved relative to the manifest.
type ContainerManifest struct {
	Env          EnvVars  `json:"env,omitempty" yaml:"env,omitempty"`
	Name         string   `json:"name" yaml:"name" validate:"required"`
	Image        string   `json:"image,omitempty" yaml:"image,omitempty"`
	Module       string   `json:"module" yaml:"module" validate:"required"`
	VolumeMounts []string `json:"volume_mounts,omitempty" yaml:"volume_mounts,omitempty"`
	Args         []string `json:"args,omitempty" yaml:"args,omitempty"`
}
