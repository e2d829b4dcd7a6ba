package types

import "time"

// ObjectRef is the immutable identifier and metadata of an object durably
// stored at the storage boundary. Every store operation produces one; refs
// are never mutated, only superseded by re-storing under a new key.
type ObjectRef struct {
	Key          string     `json:"key"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// PeerConfig is the per-peer record from the peers configuration service.
// It is fetched fresh per invocation and treated as immutable within one
// invocation.
type PeerConfig struct {
	ID         string         `json:"id"`
	Method     string         `json:"method"`
	Config     IntegrationMap `json:"config"`
	Categories []PeerCategory `json:"categories"`
}

// IntegrationMap holds the per-integration API configuration. Presence of a
// key selects the facade implementation; a peer configures at most one.
type IntegrationMap struct {
	Wise *WiseConfig `json:"wise,omitempty"`
	Arch *ArchConfig `json:"arch,omitempty"`
}

// WiseConfig drives the Wise balance-statement fetches for one peer.
type WiseConfig struct {
	Profile     string   `json:"profile"`
	SubAccounts []string `json:"sub_accounts"`
}

// ArchConfig drives the Arch entity polling for one peer.
type ArchConfig struct {
	Entities []EntityDescriptor `json:"entities"`
}

// EntityDescriptor names one Arch resource to poll. Entities without
// Enabled set are skipped entirely.
type EntityDescriptor struct {
	Resource string `json:"resource"`
	Name     string `json:"name,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// PeerCategory is one configured categorization rule for a peer. Filename
// patterns are regular expressions matched (anchored at the start) against
// an object's basename; Transformations names the content transformers
// applied in order before the categorized copy is stored.
type PeerCategory struct {
	PeerID           string   `json:"id"`
	CategoryID       string   `json:"category_id"`
	FilenamePatterns []string `json:"filename_patterns"`
	Transformations  []string `json:"transformations"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the function's value.
func (f ClockFunc) Now() time.Time { return f() }
