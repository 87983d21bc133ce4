package spec

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/luma-run/proxyfleet/proxytype"
)

// yamlSpec mirrors proxytype.ProxySpec's shape for decoding — a ProxySpec's
// map-valued fields (ContainerSpec.Env, ContainerSpec.PortMappings) decode
// naturally with yaml.v3, so no custom UnmarshalYAML is needed.
type yamlSpec struct {
	ID             string                          `yaml:"id"`
	DisplayName    string                          `yaml:"displayName"`
	ContainerSpecs []yamlContainerSpec             `yaml:"containers"`
	AccessControl  *yamlAccessControl              `yaml:"accessControl"`
	Sharing        *proxytype.ProxySharingSpecExtension `yaml:"sharing"`
	Parameters     map[string]proxytype.ParameterSpec   `yaml:"parameters"`
}

type yamlContainerSpec struct {
	Image        string            `yaml:"image"`
	Env          map[string]string `yaml:"env"`
	PortMappings map[string]int    `yaml:"ports"`
}

type yamlAccessControl struct {
	Users  []string `yaml:"users"`
	Groups []string `yaml:"groups"`
}

func (y yamlSpec) toProxySpec() proxytype.ProxySpec {
	s := proxytype.ProxySpec{
		ID:          y.ID,
		DisplayName: y.DisplayName,
		Sharing:     y.Sharing,
		Parameters:  y.Parameters,
	}
	for _, c := range y.ContainerSpecs {
		s.ContainerSpecs = append(s.ContainerSpecs, proxytype.ContainerSpec{
			Image:        c.Image,
			Env:          c.Env,
			PortMappings: c.PortMappings,
		})
	}
	if y.AccessControl != nil {
		s.AccessControl = &proxytype.AccessControlSpec{
			Users:  y.AccessControl.Users,
			Groups: y.AccessControl.Groups,
		}
	}
	return s
}

// LoadFromDir reads every *.yaml/*.yml file in dir and registers the
// ProxySpec it describes. It is the natural loader for a declarative
// template (spec.md §3), following the YAML-configuration convention used
// throughout the retrieval pack (bureau-foundation-bureau, zpdzap-sandcastles)
// rather than inventing a bespoke format.
func (r *Registry) LoadFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("spec: read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("spec: read %s: %w", path, err)
		}

		var y yamlSpec
		if err := yaml.Unmarshal(data, &y); err != nil {
			return fmt.Errorf("spec: parse %s: %w", path, err)
		}
		if err := r.Register(y.toProxySpec()); err != nil {
			return fmt.Errorf("spec: register %s: %w", path, err)
		}
	}
	return nil
}
