package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Rewrite string

const (
	RewriteStripPrefix Rewrite = "strip-prefix"
	RewritePassthrough Rewrite = "passthrough"
)

// RouteRule maps a path prefix to either an upstream service or, for the
// catch-all prefix "/", the static asset root. Rule order is authoritative:
// the first matching prefix wins, so the catch-all must be declared last.
type RouteRule struct {
	PathPrefix    string  `yaml:"path_prefix" json:"path_prefix"`
	TargetService string  `yaml:"target_service,omitempty" json:"target_service,omitempty"`
	TargetPort    int     `yaml:"target_port,omitempty" json:"target_port,omitempty"`
	Rewrite       Rewrite `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
}

// IsCatchAll reports whether the rule is the static catch-all ("/" with no
// upstream target).
func (r RouteRule) IsCatchAll() bool {
	return r.PathPrefix == "/" && r.TargetService == ""
}

type RouteConfig struct {
	Rules []RouteRule `yaml:"rules" json:"rules"`
}

func LoadRoutes(path string) ([]RouteRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes %q: %w", path, err)
	}
	var cfg RouteConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse routes yaml: %w", err)
	}
	if err := ValidateRoutes(cfg.Rules); err != nil {
		return nil, err
	}
	return cfg.Rules, nil
}

func ValidateRoutes(rules []RouteRule) error {
	for i, r := range rules {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("route %d: path_prefix %q must start with /", i, r.PathPrefix)
		}
		if r.IsCatchAll() {
			if i != len(rules)-1 {
				return fmt.Errorf("route %d: catch-all \"/\" must be the last rule", i)
			}
			continue
		}
		if r.TargetService == "" || r.TargetPort == 0 {
			return fmt.Errorf("route %d (%s): target_service and target_port are required", i, r.PathPrefix)
		}
		if r.Rewrite == "" {
			continue
		}
		if r.Rewrite != RewriteStripPrefix && r.Rewrite != RewritePassthrough {
			return fmt.Errorf("route %d (%s): unknown rewrite %q", i, r.PathPrefix, r.Rewrite)
		}
	}
	return nil
}
