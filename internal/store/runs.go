package store

import "fmt"

// InsertRun appends one processing-run audit record. Runs are written once
// at cycle completion and never mutated.
func (s *Store) InsertRun(run *ProcessingRun) error {
	_, err := s.conn.Exec(
		`INSERT INTO processing_log
		(run_id, run_date, incidents_downloaded, incidents_analyzed,
		 total_tokens, errors, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.RunDate, run.Downloaded, run.Analyzed,
		run.TotalTokens, run.Errors, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting processing run: %w", err)
	}
	return nil
}

// GetRecentRuns returns processing runs newest first, bounded by limit.
func (s *Store) GetRecentRuns(limit int) ([]ProcessingRun, error) {
	rows, err := s.conn.Query(
		`SELECT id, run_id, run_date, incidents_downloaded, incidents_analyzed,
			total_tokens, errors, started_at, completed_at
		FROM processing_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ProcessingRun
	for rows.Next() {
		var r ProcessingRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.RunDate, &r.Downloaded, &r.Analyzed,
			&r.TotalTokens, &r.Errors, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
