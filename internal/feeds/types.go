// Package feeds models the engine's feed sync status and evaluates sync progress.
package feeds

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// UnnamedGroup is the name reported for a group whose payload carried no name
const UnnamedGroup = "<unnamed>"

// SyncGroupStatus is the sync state of a single group within a feed
type SyncGroupStatus struct {
	Name     string
	LastSync *time.Time
}

// SyncRecordStatus is the sync state of one feed
type SyncRecordStatus struct {
	Groups       []SyncGroupStatus
	LastFullSync *time.Time
}

// FullySynced reports whether the feed carries a full sync marker
func (r SyncRecordStatus) FullySynced() bool {
	return r.LastFullSync != nil
}

// AggregateProgress is the progress across all feeds for one poll cycle.
// Counts are tracked separately from the name sets: two feeds may share a group name.
type AggregateProgress struct {
	SyncedCount    int
	UnsyncedCount  int
	TotalCount     int
	SyncedNames    sets.Set[string]
	UnsyncedNames  sets.Set[string]
	AllFullySynced bool

	// FullySyncedRecords is the number of feeds with a full sync marker
	FullySyncedRecords int
	// TotalRecords is the number of feeds in the payload
	TotalRecords int
}

// SyncedPercent returns the share of synced groups in [0, 100]
func (p AggregateProgress) SyncedPercent() float64 {
	if p.TotalCount == 0 {
		return 0
	}
	return float64(p.SyncedCount) * 100 / float64(p.TotalCount)
}
