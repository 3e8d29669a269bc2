// Package spec holds the proxy spec model and the registry that
// resolves logical application IDs to launchable templates.
package spec

import (
	"fmt"
	"time"
)

// ProxySpec is the immutable template for one launchable application.
// The engine never mutates a resolved spec.
type ProxySpec struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`

	ContainerImage string `json:"container_image"`
	Port           int    `json:"port"`

	CPURequest    string `json:"cpu_request"`
	CPULimit      string `json:"cpu_limit"`
	MemoryRequest string `json:"memory_request"`
	MemoryLimit   string `json:"memory_limit"`

	Environment map[string]string `json:"-"`
	// Environment keys whose values are stored fernet-encrypted.
	SecretEnv []string `json:"-"`

	// Empty means every authenticated principal may start this spec.
	AccessGroups []string `json:"access_groups,omitempty"`

	// MaxInstancesPerUser admits 0 (defaulted to 1) or 1. The session
	// store keys one claim slot per user and spec, so higher caps have
	// no mechanism to run more; Validate rejects them.
	MaxInstancesPerUser int `json:"max_instances_per_user"`

	// Zero values fall back to the controller-wide defaults.
	IdleTimeout      time.Duration `json:"idle_timeout"`
	MaxLifetime      time.Duration `json:"max_lifetime"`
	ReadinessTimeout time.Duration `json:"readiness_timeout"`
}

// CanAccess evaluates group-set membership against the spec's access
// groups. An empty AccessGroups list admits everyone.
func (s ProxySpec) CanAccess(groups []string) bool {
	if len(s.AccessGroups) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(s.AccessGroups))
	for _, g := range s.AccessGroups {
		allowed[g] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}

func (s ProxySpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("spec id is required")
	}
	if s.ContainerImage == "" {
		return fmt.Errorf("spec %s: container image is required", s.ID)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("spec %s: invalid port %d", s.ID, s.Port)
	}
	if s.MaxInstancesPerUser < 0 {
		return fmt.Errorf("spec %s: negative max_instances_per_user", s.ID)
	}
	if s.MaxInstancesPerUser > 1 {
		return fmt.Errorf("spec %s: max_instances_per_user above 1 is not supported", s.ID)
	}
	return nil
}

// document is the storage form of a ProxySpec, shared by the Mongo
// collection and the YAML seed file. Durations are stored as strings
// ("30m") so operators can read and edit them.
type document struct {
	ID                  string            `bson:"_id" yaml:"id"`
	DisplayName         string            `bson:"display_name" yaml:"display_name"`
	Description         string            `bson:"description,omitempty" yaml:"description"`
	ContainerImage      string            `bson:"container_image" yaml:"container_image"`
	Port                int               `bson:"port" yaml:"port"`
	CPURequest          string            `bson:"cpu_request,omitempty" yaml:"cpu_request"`
	CPULimit            string            `bson:"cpu_limit,omitempty" yaml:"cpu_limit"`
	MemoryRequest       string            `bson:"memory_request,omitempty" yaml:"memory_request"`
	MemoryLimit         string            `bson:"memory_limit,omitempty" yaml:"memory_limit"`
	Environment         map[string]string `bson:"environment,omitempty" yaml:"environment"`
	SecretEnv           []string          `bson:"secret_env,omitempty" yaml:"secret_env"`
	AccessGroups        []string          `bson:"access_groups,omitempty" yaml:"access_groups"`
	MaxInstancesPerUser int               `bson:"max_instances_per_user" yaml:"max_instances_per_user"`
	IdleTimeout         string            `bson:"idle_timeout,omitempty" yaml:"idle_timeout"`
	MaxLifetime         string            `bson:"max_lifetime,omitempty" yaml:"max_lifetime"`
	ReadinessTimeout    string            `bson:"readiness_timeout,omitempty" yaml:"readiness_timeout"`
}

func (d document) toSpec() (ProxySpec, error) {
	s := ProxySpec{
		ID:                  d.ID,
		DisplayName:         d.DisplayName,
		Description:         d.Description,
		ContainerImage:      d.ContainerImage,
		Port:                d.Port,
		CPURequest:          d.CPURequest,
		CPULimit:            d.CPULimit,
		MemoryRequest:       d.MemoryRequest,
		MemoryLimit:         d.MemoryLimit,
		Environment:         d.Environment,
		SecretEnv:           d.SecretEnv,
		AccessGroups:        d.AccessGroups,
		MaxInstancesPerUser: d.MaxInstancesPerUser,
	}
	if s.DisplayName == "" {
		s.DisplayName = s.ID
	}
	if s.MaxInstancesPerUser == 0 {
		s.MaxInstancesPerUser = 1
	}

	for _, pair := range []struct {
		raw string
		dst *time.Duration
	}{
		{d.IdleTimeout, &s.IdleTimeout},
		{d.MaxLifetime, &s.MaxLifetime},
		{d.ReadinessTimeout, &s.ReadinessTimeout},
	} {
		if pair.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(pair.raw)
		if err != nil {
			return ProxySpec{}, fmt.Errorf("spec %s: bad duration %q: %w", d.ID, pair.raw, err)
		}
		*pair.dst = dur
	}

	return s, s.Validate()
}
