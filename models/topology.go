package models

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Service is one deployable unit of a topology. Declaration order in the
// topology document is significant: it breaks ties in dependency ordering.
type Service struct {
	Name string `yaml:"name" json:"name"`

	// Image is the full registry reference (registry/repo:tag).
	Image string `yaml:"image" json:"image"`

	// BuildContext, when set, marks the service as built by the pipeline
	// from this directory (relative to the checked-out source root).
	BuildContext string `yaml:"build,omitempty" json:"build,omitempty"`

	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Networks    []string          `yaml:"networks,omitempty" json:"networks,omitempty"`
	Volumes     []VolumeMount     `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Ports       []PortBinding     `yaml:"ports,omitempty" json:"ports,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// RestartPolicy defaults to never when empty.
	RestartPolicy RestartPolicy `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty"`

	// Readiness is optional. When set, the reconciler additionally waits
	// for the TCP port after start before releasing dependents. The
	// contract floor remains start-only ordering.
	Readiness *ReadinessProbe `yaml:"readiness,omitempty" json:"readiness,omitempty"`
}

type ReadinessProbe struct {
	TCPPort        int `yaml:"tcp_port" json:"tcp_port"`
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// VolumeMount attaches either a named volume or a host path to a container
// path. Exactly one of Volume and HostPath is set.
type VolumeMount struct {
	Volume   string `yaml:"source,omitempty" json:"source,omitempty"`
	HostPath string `yaml:"host_path,omitempty" json:"host_path,omitempty"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

type PortBinding struct {
	HostPort      int `yaml:"host" json:"host"`
	ContainerPort int `yaml:"container" json:"container"`
}

// Network membership gives services mutual name resolution: every container
// joined to a network is addressable by its service name from the others.
type Network struct {
	Name string `yaml:"name" json:"name"`
}

// Volume is a named persistent volume. It survives container recreation and
// is destroyed only by an explicit prune.
type Volume struct {
	Name string `yaml:"name" json:"name"`
}

// Topology is the declarative desired state for one deployment. It is
// immutable per deployment version; reconciliation never mutates it.
type Topology struct {
	Version  int       `yaml:"version,omitempty" json:"version,omitempty"`
	Networks []Network `yaml:"networks,omitempty" json:"networks,omitempty"`
	Volumes  []Volume  `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Services []Service `yaml:"services" json:"services"`
}

func LoadTopology(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %q: %w", path, err)
	}
	return ParseTopology(b)
}

func ParseTopology(b []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("parse topology yaml: %w", err)
	}
	for i := range t.Services {
		if t.Services[i].RestartPolicy == "" {
			t.Services[i].RestartPolicy = RestartNever
		}
	}
	return &t, nil
}

// Service returns the service with the given name, or nil.
func (t *Topology) Service(name string) *Service {
	for i := range t.Services {
		if t.Services[i].Name == name {
			return &t.Services[i]
		}
	}
	return nil
}

// Buildable returns the services carrying a build context, in declaration
// order. These are the artifacts the pipeline produces and publishes.
func (t *Topology) Buildable() []Service {
	var out []Service
	for _, s := range t.Services {
		if s.BuildContext != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConfigHash returns a deterministic digest of everything about a service
// that requires container recreation when changed. Label ordering is
// normalized so equal specs always hash equal.
func (s *Service) ConfigHash() string {
	var b strings.Builder
	b.WriteString(s.Image)
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|env:%s=%s", k, s.Environment[k])
	}
	nets := append([]string(nil), s.Networks...)
	sort.Strings(nets)
	for _, n := range nets {
		fmt.Fprintf(&b, "|net:%s", n)
	}
	for _, v := range s.Volumes {
		fmt.Fprintf(&b, "|vol:%s%s:%s:%v", v.Volume, v.HostPath, v.Target, v.ReadOnly)
	}
	for _, p := range s.Ports {
		fmt.Fprintf(&b, "|port:%d:%d", p.HostPort, p.ContainerPort)
	}
	fmt.Fprintf(&b, "|restart:%s", s.RestartPolicy)

	h := fnv.New64a()
	h.Write([]byte(b.String()))
	return fmt.Sprintf("%x", h.Sum64())
}
