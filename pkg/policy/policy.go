// Package policy loads operator-configured allow-lists from YAML files: the
// TEE measurement tuples permitted to register as workers, and the source
// hosts the compilation sandbox is permitted to fetch from. Both are
// configuration-as-data rather than compiled-in constants so an operator can
// roll a new image measurement or add a git host without a rebuild.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MeasurementTuple is the 5-component platform identity a TDX quote binds:
// one image-identity measurement and four runtime measurements. All five
// must match an allow-listed entry exactly; partial matches are rejected.
type MeasurementTuple struct {
	MRTD  string `yaml:"mrtd"`
	RTMR0 string `yaml:"rtmr0"`
	RTMR1 string `yaml:"rtmr1"`
	RTMR2 string `yaml:"rtmr2"`
	RTMR3 string `yaml:"rtmr3"`
}

// Equal reports whether two tuples match component-for-component.
func (m MeasurementTuple) Equal(other MeasurementTuple) bool {
	return strings.EqualFold(m.MRTD, other.MRTD) &&
		strings.EqualFold(m.RTMR0, other.RTMR0) &&
		strings.EqualFold(m.RTMR1, other.RTMR1) &&
		strings.EqualFold(m.RTMR2, other.RTMR2) &&
		strings.EqualFold(m.RTMR3, other.RTMR3)
}

// Digest returns a stable concatenated hex string identifying the tuple, used
// as the worker registry's last_measurement_digest column.
func (m MeasurementTuple) Digest() string {
	return strings.ToLower(strings.Join([]string{m.MRTD, m.RTMR0, m.RTMR1, m.RTMR2, m.RTMR3}, ":"))
}

// AttestationAllowlist is the set of measurement tuples permitted to
// register as a worker. It holds no collateral settings.
type AttestationAllowlist struct {
	Entries []MeasurementTuple `yaml:"entries"`
}

// Allowed reports whether tuple exactly matches an allow-listed entry.
func (a *AttestationAllowlist) Allowed(tuple MeasurementTuple) bool {
	for _, entry := range a.Entries {
		if entry.Equal(tuple) {
			return true
		}
	}
	return false
}

// LoadAttestationAllowlist reads and parses the YAML allow-list at path.
func LoadAttestationAllowlist(path string) (*AttestationAllowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation allowlist %q: %w", path, err)
	}
	var a AttestationAllowlist
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to parse attestation allowlist %q: %w", path, err)
	}
	return &a, nil
}

// BuildHostAllowlist is the set of source hosts the compilation sandbox may
// fetch repositories from. Canonicalization lower-cases the host before the
// membership check, so entries here should already be lower-case.
type BuildHostAllowlist struct {
	Hosts []string `yaml:"hosts"`
}

// Allowed reports whether host (already lower-cased) is present.
func (b *BuildHostAllowlist) Allowed(host string) bool {
	for _, h := range b.Hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// LoadBuildHostAllowlist reads and parses the YAML allow-list at path.
func LoadBuildHostAllowlist(path string) (*BuildHostAllowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read build host allowlist %q: %w", path, err)
	}
	var b BuildHostAllowlist
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to parse build host allowlist %q: %w", path, err)
	}
	return &b, nil
}

// DefaultBuildHostAllowlist is used when no allowlist file is configured;
// it covers the hosts the example corpus and spec scenarios reference.
func DefaultBuildHostAllowlist() *BuildHostAllowlist {
	return &BuildHostAllowlist{Hosts: []string{"github.com", "gitlab.com"}}
}
