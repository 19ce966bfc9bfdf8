package store

import "fmt"

// GetStats returns aggregate statistics for status reporting and the dashboard.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{VerdictCounts: make(map[string]int)}

	if err := s.conn.QueryRow("SELECT COUNT(*) FROM incidents").Scan(&stats.TotalIncidents); err != nil {
		return nil, fmt.Errorf("counting incidents: %w", err)
	}

	rows, err := s.conn.Query("SELECT status, COUNT(*) FROM incidents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusDownloaded:
			stats.PendingIncidents = count
		case StatusAnalyzed:
			stats.AnalyzedIncidents = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.conn.Query("SELECT verdict, COUNT(*) FROM analysis GROUP BY verdict")
	if err != nil {
		return nil, fmt.Errorf("counting verdicts: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var verdict string
		var count int
		if err := vrows.Scan(&verdict, &count); err != nil {
			return nil, err
		}
		stats.VerdictCounts[verdict] = count
	}
	if err := vrows.Err(); err != nil {
		return nil, err
	}

	var correct int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM feedback").Scan(&stats.FeedbackCount); err != nil {
		return nil, fmt.Errorf("counting feedback: %w", err)
	}
	if err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM feedback WHERE original_verdict = corrected_verdict",
	).Scan(&correct); err != nil {
		return nil, fmt.Errorf("counting confirmations: %w", err)
	}
	if stats.FeedbackCount > 0 {
		stats.Accuracy = float64(correct) / float64(stats.FeedbackCount) * 100
	}

	if err := s.conn.QueryRow(
		"SELECT COALESCE(SUM(tokens_used), 0) FROM analysis",
	).Scan(&stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("summing tokens: %w", err)
	}

	drows, err := s.conn.Query(
		`SELECT incident_date, COUNT(*) FROM incidents
		WHERE incident_date >= date('now', '-7 days')
		GROUP BY incident_date ORDER BY incident_date`,
	)
	if err != nil {
		return nil, fmt.Errorf("building histogram: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var dc DayCount
		if err := drows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		stats.Last7Days = append(stats.Last7Days, dc)
	}
	if err := drows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// PurgeOlderThan removes incidents dated before the cutoff, cascading
// through feedback and analysis first so foreign keys hold throughout.
// Returns the per-table deleted row counts.
func (s *Store) PurgeOlderThan(days int) (*PurgeResult, error) {
	offset := fmt.Sprintf("-%d days", days)

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	res := &PurgeResult{}

	fb, err := tx.Exec(
		`DELETE FROM feedback WHERE incident_id IN
		(SELECT incident_id FROM incidents WHERE incident_date < date('now', ?))`, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("purging feedback: %w", err)
	}
	res.Feedback, _ = fb.RowsAffected()

	an, err := tx.Exec(
		`DELETE FROM analysis WHERE incident_id IN
		(SELECT incident_id FROM incidents WHERE incident_date < date('now', ?))`, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("purging analyses: %w", err)
	}
	res.Analyses, _ = an.RowsAffected()

	in, err := tx.Exec(
		"DELETE FROM incidents WHERE incident_date < date('now', ?)", offset,
	)
	if err != nil {
		return nil, fmt.Errorf("purging incidents: %w", err)
	}
	res.Incidents, _ = in.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}
	return res, nil
}
