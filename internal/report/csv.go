package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/slyt3/guardstats/internal/models"
)

// SessionColumns is the column order of the session export. The first five
// are the stable contract; later columns may be appended.
var SessionColumns = []string{"query", "blocked", "category", "risk_level", "timestamp", "outcome", "run_id"}

// WriteSessionCSV writes one row per record, in log order, preceded by a
// header row.
func WriteSessionCSV(w io.Writer, records []models.OutcomeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SessionColumns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	row := make([]string, len(SessionColumns))
	for i := range records {
		r := &records[i]
		row[0] = r.Query
		row[1] = strconv.FormatBool(r.Blocked)
		row[2] = r.Category
		row[3] = r.RiskLevel
		row[4] = r.Timestamp.String()
		row[5] = string(r.Outcome)
		row[6] = r.RunID
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}
