package feeds

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

// GroupFilter decides whether a group counts towards the per-group progress
type GroupFilter interface {
	ShouldInclude(name string) (bool, string)
}

// Evaluator computes AggregateProgress from one poll cycle's records
type Evaluator struct {
	freshness time.Duration
	clock     clock.PassiveClock
	filter    GroupFilter
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithFreshnessWindow additionally requires a group's last sync to be younger than window
// for it to be reported as synced. Zero disables the check. AllFullySynced is not affected.
func WithFreshnessWindow(window time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.freshness = window
	}
}

// WithEvaluatorClock sets the clock used for the freshness window
func WithEvaluatorClock(c clock.PassiveClock) EvaluatorOption {
	return func(e *Evaluator) {
		e.clock = c
	}
}

// WithGroupFilter drops groups rejected by filter from the counts and name sets.
// AllFullySynced is not affected.
func WithGroupFilter(filter GroupFilter) EvaluatorOption {
	return func(e *Evaluator) {
		e.filter = filter
	}
}

// NewEvaluator creates an Evaluator
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the aggregate progress. An empty record list is never fully synced.
func (e *Evaluator) Evaluate(records []SyncRecordStatus) AggregateProgress {
	progress := AggregateProgress{
		SyncedNames:    sets.New[string](),
		UnsyncedNames:  sets.New[string](),
		TotalRecords:   len(records),
		AllFullySynced: len(records) > 0,
	}

	var now time.Time
	if e.freshness > 0 {
		now = e.clock.Now()
	}

	for _, record := range records {
		if record.FullySynced() {
			progress.FullySyncedRecords++
		} else {
			progress.AllFullySynced = false
		}

		for _, group := range record.Groups {
			name := group.Name
			if name == "" {
				name = UnnamedGroup
			}
			if e.filter != nil {
				if ok, _ := e.filter.ShouldInclude(name); !ok {
					continue
				}
			}

			progress.TotalCount++
			if e.groupSynced(group, now) {
				progress.SyncedCount++
				progress.SyncedNames.Insert(name)
			} else {
				progress.UnsyncedCount++
				progress.UnsyncedNames.Insert(name)
			}
		}
	}

	return progress
}

func (e *Evaluator) groupSynced(group SyncGroupStatus, now time.Time) bool {
	if group.LastSync == nil {
		return false
	}
	if e.freshness <= 0 {
		return true
	}
	// An unreadable timestamp cannot prove freshness.
	if group.LastSync.IsZero() {
		return false
	}
	return now.Sub(*group.LastSync) < e.freshness
}
