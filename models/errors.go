package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is the root of the topology validation error family. All
// validation failures are reported before any side effect on the runtime.
var ErrValidation = errors.New("topology validation failed")

type CyclicDependencyError struct {
	// Cycle lists the service names along the cycle, first repeated last.
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrValidation }

type UnknownReferenceError struct {
	Service string // the service holding the dangling reference
	Kind    string // "service" or "network"
	Name    string // the missing name
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("service %q references unknown %s %q", e.Service, e.Kind, e.Name)
}

func (e *UnknownReferenceError) Unwrap() error { return ErrValidation }

type DuplicateServiceError struct {
	Name string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("duplicate service name %q", e.Name)
}

func (e *DuplicateServiceError) Unwrap() error { return ErrValidation }

// ErrTransient groups infrastructure failures that fail a stage but leave
// prior successful work in place. Nothing is rolled back.
var ErrTransient = errors.New("transient infrastructure failure")

type ImagePullError struct {
	Service string
	Image   string
	Cause   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("pull image %q for service %q: %v", e.Image, e.Service, e.Cause)
}

func (e *ImagePullError) Unwrap() error { return ErrTransient }

type BuildError struct {
	Service  string
	ExitCode int
	Cause    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build service %q failed with exit code %d", e.Service, e.ExitCode)
}

func (e *BuildError) Unwrap() error { return ErrTransient }

type RegistryAuthError struct {
	Registry string
	Cause    error
}

func (e *RegistryAuthError) Error() string {
	return fmt.Sprintf("registry %q authentication failed: %v", e.Registry, e.Cause)
}

func (e *RegistryAuthError) Unwrap() error { return ErrTransient }

type RegistryPushError struct {
	Image string
	Cause error
}

func (e *RegistryPushError) Error() string {
	return fmt.Sprintf("push image %q: %v", e.Image, e.Cause)
}

func (e *RegistryPushError) Unwrap() error { return ErrTransient }

type SourceUnavailableError struct {
	Ref   string
	Cause error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source ref %q unavailable: %v", e.Ref, e.Cause)
}

type RemoteConnectError struct {
	Host  string
	Cause error
}

func (e *RemoteConnectError) Error() string {
	return fmt.Sprintf("connect to deploy host %q: %v", e.Host, e.Cause)
}

type StageTimeoutError struct {
	Stage   StageName
	Timeout string
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded its %s timeout", e.Stage, e.Timeout)
}

func (e *StageTimeoutError) Unwrap() error { return ErrTransient }

// ServiceOutcome is the per-service result of one reconcile pass.
type ServiceOutcome struct {
	Service string `json:"service"`
	Action  Action `json:"action"`
	Err     string `json:"error,omitempty"`
}

type Action string

const (
	ActionUnchanged Action = "unchanged"
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionFailed    Action = "failed"
	ActionSkipped   Action = "skipped" // dependency failed upstream
)

// PartialReconcileError reports a reconcile pass that updated some services
// and failed others. Reconciliation is not transactional: callers retry the
// failed subset, the updated services stay updated.
type PartialReconcileError struct {
	Outcomes []ServiceOutcome
}

func (e *PartialReconcileError) Error() string {
	var failed []string
	for _, o := range e.Outcomes {
		if o.Action == ActionFailed {
			failed = append(failed, o.Service)
		}
	}
	return fmt.Sprintf("reconcile incomplete, failed services: %s", strings.Join(failed, ", "))
}
