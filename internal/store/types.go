package store

import "time"

// Installation records one fully verified engine version on disk.
// Instances are owned by the Store: they are created by Commit after
// verification succeeds, updated on every lookup, and destroyed by
// Remove, RemoveAll or culling.
type Installation struct {
	Version     string    `json:"version"`
	Signature   string    `json:"signature"`
	InstalledAt time.Time `json:"installed_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	SizeBytes   int64     `json:"size_bytes"`
}

// Policy configures culling.
//
// MaxInstallations keeps at most N least-recently-used versions beyond
// the pinned set; zero means no count limit. MaxAge removes installations
// unused for longer than the duration; zero means no age limit.
type Policy struct {
	MaxInstallations int
	MaxAge           time.Duration
}

// Enabled reports whether the policy constrains anything at all.
func (p Policy) Enabled() bool {
	return p.MaxInstallations > 0 || p.MaxAge > 0
}

// Stats summarizes the store contents.
type Stats struct {
	Installations  int
	TotalSizeBytes int64
}
