package store

import (
	"sort"
)

// Cull applies the retention policy to the store and returns the versions
// that were removed.
//
// Pinned versions are never candidates; everything else is ordered by
// last use, oldest first. A candidate is removed when it has been unused
// longer than Policy.MaxAge, or when more than Policy.MaxInstallations
// candidates would otherwise survive.
//
// Removal is best effort: a version that cannot be deleted (file lock,
// permissions) is logged and skipped, and culling continues with the
// remaining candidates.
func (s *Store) Cull(pinned map[string]bool, policy Policy) []string {
	if !policy.Enabled() {
		return nil
	}

	var candidates []Installation
	for _, inst := range s.index.list() {
		if pinned[inst.Version] {
			continue
		}
		candidates = append(candidates, inst)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	now := s.now()
	doomed := make(map[string]bool)

	if policy.MaxAge > 0 {
		for _, inst := range candidates {
			if now.Sub(inst.LastUsedAt) > policy.MaxAge {
				doomed[inst.Version] = true
			}
		}
	}

	if policy.MaxInstallations > 0 {
		surviving := 0
		for _, inst := range candidates {
			if !doomed[inst.Version] {
				surviving++
			}
		}
		// Candidates are oldest-first, so excess installations are shed in
		// least-recently-used order.
		for _, inst := range candidates {
			if surviving <= policy.MaxInstallations {
				break
			}
			if doomed[inst.Version] {
				continue
			}
			doomed[inst.Version] = true
			surviving--
		}
	}

	var removed []string
	for _, inst := range candidates {
		if !doomed[inst.Version] {
			continue
		}
		if err := s.Remove(inst.Version); err != nil {
			s.logger.Warn("failed to cull installation", "version", inst.Version, "error", err)
			continue
		}
		removed = append(removed, inst.Version)
	}

	return removed
}
