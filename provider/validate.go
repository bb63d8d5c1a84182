package provider

import (
	"fmt"
	"strings"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

// kubeProxyImage is the image prefix the node refuses to run.
const kubeProxyImage = "k8s.gcr.io/kube-proxy"

// Validate reports whether the workload can run as actors.
func Validate(w *entities.Workload) error {
	key := w.Key.String()
	if len(w.InitContainers) > 0 {
		return &domainerrors.ValidationError{
			Workload: key,
			Field:    "init_containers",
			Reason:   "init containers are not supported",
		}
	}
	if len(w.Containers) == 0 {
		return &domainerrors.ValidationError{Workload: key, Field: "containers", Reason: "no containers"}
	}
	for i, c := range w.Containers {
		if err := validateContainer(key, i, c); err != nil {
			return err
		}
	}
	return nil
}

func validateContainer(key string, i int, c entities.Container) error {
	field := fmt.Sprintf("containers[%d]", i)
	switch {
	case c.Name == "":
		return &domainerrors.ValidationError{Workload: key, Field: field + ".name", Reason: "container has no name"}
	case len(c.Args) > 0:
		return &domainerrors.ValidationError{
			Workload: key,
			Field:    field + ".args",
			Reason:   fmt.Sprintf("container %s specifies args, which are not supported", c.Name),
		}
	case strings.HasPrefix(c.Image, kubeProxyImage):
		return &domainerrors.ValidationError{Workload: key, Field: field + ".image", Reason: "cannot run kube-proxy"}
	}
	return nil
}
