package entities

import "slices"

// WorkloadKey identifies a workload by namespace and name.
type WorkloadKey struct {
	Namespace string
	Name      string
}

// NewWorkloadKey builds a key, defaulting an empty namespace to "default".
func NewWorkloadKey(namespace, name string) WorkloadKey {
	if namespace == "" {
		namespace = "default"
	}
	return WorkloadKey{Namespace: namespace, Name: name}
}

// String renders the key as namespace/name.
func (k WorkloadKey) String() string {
	return k.Namespace + "/" + k.Name
}

// Container is one actor module within a workload.
type Container struct {
	Env          EnvVars
	Name         string
	Image        string
	Module       []byte
	Args         []string
	VolumeMounts []string
}

// Workload is a set of actor containers scheduled together, sharing
// volumes and a log directory.
type Workload struct {
	Key            WorkloadKey
	Containers     []Container
	InitContainers []Container
	Volumes        []VolumeBinding
}

// VolumesFor returns the workload volumes mounted by the container, in
// workload declaration order. Mounts naming unknown volumes are ignored.
func (w *Workload) VolumesFor(c Container) []VolumeBinding {
	var out []VolumeBinding
	for _, v := range w.Volumes {
		if slices.Contains(c.VolumeMounts, v.Name) {
			out = append(out, v)
		}
	}
	return out
}
