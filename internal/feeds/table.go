package feeds

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"k8s.io/apimachinery/pkg/util/sets"
)

// WriteProgressTable renders one row per group name with its sync state, followed by a totals row
func WriteProgressTable(w io.Writer, progress AggregateProgress) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Group", "Status"})

	for _, name := range sets.List(progress.SyncedNames) {
		if err := table.Append([]string{name, "synced"}); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}
	for _, name := range sets.List(progress.UnsyncedNames) {
		if err := table.Append([]string{name, "pending"}); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}

	total := strconv.Itoa(progress.SyncedCount) + "/" + strconv.Itoa(progress.TotalCount)
	if err := table.Append([]string{"total", total}); err != nil {
		return fmt.Errorf("failed to append table row: %w", err)
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render progress table: %w", err)
	}
	return nil
}
