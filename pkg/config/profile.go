package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile tunes workflow behavior per accreditation body.
type Profile struct {
	Name string `yaml:"name" json:"name"`
	// PlacementMIMETypes are the file MIME types that require signature
	// placement before signing can begin.
	PlacementMIMETypes []string `yaml:"placement_mime_types" json:"placement_mime_types"`
	// AdminRoles are the JWT roles granted administrative rights.
	AdminRoles []string `yaml:"admin_roles" json:"admin_roles"`
	// SigningRPM bounds signing attempts per user per minute.
	SigningRPM int `yaml:"signing_rpm" json:"signing_rpm"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Name:               "default",
		PlacementMIMETypes: []string{"application/pdf"},
		AdminRoles:         []string{"admin"},
		SigningRPM:         10,
	}
}

// LoadProfile reads a YAML profile, filling unset fields from defaults.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	def := DefaultProfile()
	if len(p.PlacementMIMETypes) == 0 {
		p.PlacementMIMETypes = def.PlacementMIMETypes
	}
	if len(p.AdminRoles) == 0 {
		p.AdminRoles = def.AdminRoles
	}
	if p.SigningRPM <= 0 {
		p.SigningRPM = def.SigningRPM
	}
	return p, nil
}
