// Package errors provides the domain error types of the actor host.
// All error types support error unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrInvalidModule     = stdErrors.New("invalid actor module")
	ErrUnknownCapability = stdErrors.New("unknown capability")
	ErrProvision         = stdErrors.New("capability provisioning failed")
	ErrLink              = stdErrors.New("capability link failed")
	ErrPortExhausted     = stdErrors.New("port range exhausted")
	ErrDuplicateWorkload = stdErrors.New("workload already running")
	ErrNotFound          = stdErrors.New("not found")
	ErrInvalidWorkload   = stdErrors.New("invalid workload")
)

// DetailedError is implemented by error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
}

// InvalidModuleError reports an actor module that could not be parsed or
// verified.
type InvalidModuleError struct {
	Err    error
	Reason string
}

func (e *InvalidModuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid actor module: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid actor module: %s", e.Reason)
}

func (e *InvalidModuleError) Unwrap() error {
	return e.Err
}

func (e *InvalidModuleError) Is(target error) bool {
	return target == ErrInvalidModule
}

// ToErrorDetail implements DetailedError.
func (e *InvalidModuleError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "module", Code: "invalid_module"}
}

// UnknownCapabilityError reports a capability the catalog has no provider for.
type UnknownCapabilityError struct {
	Capability string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Capability)
}

func (e *UnknownCapabilityError) Is(target error) bool {
	return target == ErrUnknownCapability
}

// ToErrorDetail implements DetailedError.
func (e *UnknownCapabilityError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "capability", Code: e.Capability, IsNotFound: true}
}

// ProvisionError reports a provider instance that could not be started.
type ProvisionError struct {
	Err        error
	Capability string
	Binding    string
}

func (e *ProvisionError) Error() string {
	if e.Binding != "" && e.Binding != entities.DefaultBinding {
		return fmt.Sprintf("provisioning %s (binding %s) failed: %v", e.Capability, e.Binding, e.Err)
	}
	return fmt.Sprintf("provisioning %s failed: %v", e.Capability, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvision
}

// ToErrorDetail implements DetailedError.
func (e *ProvisionError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "provision", Code: e.Capability}
}

// LinkError reports a link between an actor and a provider that could not
// be established or removed.
type LinkError struct {
	Err        error
	Actor      string
	Capability string
	Binding    string
}

func (e *LinkError) Error() string {
	target := e.Capability
	if e.Binding != "" && e.Binding != entities.DefaultBinding {
		target = e.Capability + "/" + e.Binding
	}
	return fmt.Sprintf("link %s for actor %s failed: %v", target, e.Actor, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func (e *LinkError) Is(target error) bool {
	return target == ErrLink
}

// ToErrorDetail implements DetailedError.
func (e *LinkError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "link", Code: e.Capability}
}

// PortExhaustedError reports that no port was free in the configured range.
type PortExhaustedError struct {
	Workload string
	Min      uint16
	Max      uint16
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d for workload %s", e.Min, e.Max, e.Workload)
}

func (e *PortExhaustedError) Is(target error) bool {
	return target == ErrPortExhausted
}

// ToErrorDetail implements DetailedError.
func (e *PortExhaustedError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "config", Code: "port_exhausted"}
}

// DuplicateWorkloadError reports a run for a key that already has a handle.
type DuplicateWorkloadError struct {
	Workload string
}

func (e *DuplicateWorkloadError) Error() string {
	return fmt.Sprintf("workload %s is already running", e.Workload)
}

func (e *DuplicateWorkloadError) Is(target error) bool {
	return target == ErrDuplicateWorkload
}

// ToErrorDetail implements DetailedError.
func (e *DuplicateWorkloadError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "validation", Code: "duplicate_workload"}
}

// NotFoundError reports a missing workload, container or actor.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ToErrorDetail implements DetailedError.
func (e *NotFoundError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "validation", Code: e.Kind + "_not_found", IsNotFound: true}
}

// ValidationError reports a workload the host refuses to run.
type ValidationError struct {
	Workload string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("workload %s: %s: %s", e.Workload, e.Field, e.Reason)
	}
	return fmt.Sprintf("workload %s: %s", e.Workload, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkload
}

// ToErrorDetail implements DetailedError.
func (e *ValidationError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "validation", Code: e.Field}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ConfigError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "config", Code: e.Field}
}

// SchemaError represents a schema generation error.
type SchemaError struct {
	Err  error
	Type string
}

func (e *SchemaError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("schema error for type %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *SchemaError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "validation", Code: "schema"}
}

// TeardownError collects the non-fatal failures of an actor teardown. The
// actor itself was stopped.
type TeardownError struct {
	Actor string
	Errs  []error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of actor %s left %d error(s): %v", e.Actor, len(e.Errs), stdErrors.Join(e.Errs...))
}

func (e *TeardownError) Unwrap() []error {
	return e.Errs
}

// StopError reports that an actor could not be stopped. The handle that
// produced it stays valid for a retry.
type StopError struct {
	Err      error
	Teardown *TeardownError
	Actor    string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stopping actor %s failed: %v", e.Actor, e.Err)
}

func (e *StopError) Unwrap() []error {
	if e.Teardown == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Teardown}
}

// ToErrorDetail implements DetailedError.
func (e *StopError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "internal", Code: "actor_stop"}
}

// IsStopFailure reports whether err contains a StopError, meaning the actor
// is still running.
func IsStopFailure(err error) bool {
	var se *StopError
	return stdErrors.As(err, &se)
}
