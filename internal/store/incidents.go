package store

import (
	"database/sql"
	"fmt"
)

// InsertIncident stores a newly acquired incident with status "downloaded".
// Returns false if the incident_id already exists; duplicate intake is not
// an error, so acquisition can be retried safely.
func (s *Store) InsertIncident(inc *Incident) (bool, error) {
	result, err := s.conn.Exec(
		`INSERT OR IGNORE INTO incidents
		(incident_id, file_name, file_path, file_type, file_size, user_email,
		 metadata, severity, policy_severity, incident_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.FileName, inc.FilePath, inc.FileType, inc.FileSize,
		inc.UserEmail, inc.Metadata, inc.Severity, inc.PolicySeverity, inc.IncidentDate,
	)
	if err != nil {
		return false, fmt.Errorf("inserting incident: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking insert result: %w", err)
	}
	return n > 0, nil
}

// IncidentExists reports whether an incident with the given ID is stored.
func (s *Store) IncidentExists(id string) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM incidents WHERE incident_id = ?", id,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsAnalyzed reports whether the incident has a stored analysis.
func (s *Store) IsAnalyzed(id string) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM analysis WHERE incident_id = ?", id,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetPendingIncidents returns incidents awaiting classification, oldest
// first, bounded by limit. An incident is pending while it has status
// "downloaded" and no analysis row.
func (s *Store) GetPendingIncidents(limit int) ([]Incident, error) {
	rows, err := s.conn.Query(
		`SELECT i.incident_id, i.file_name, i.file_path, i.file_type, i.file_size,
			i.user_email, i.metadata, i.status, i.severity, i.policy_severity,
			i.incident_date, i.downloaded_at, i.analyzed_at, i.created_at
		FROM incidents i
		LEFT JOIN analysis a ON i.incident_id = a.incident_id
		WHERE a.id IS NULL AND i.status = 'downloaded'
		ORDER BY i.downloaded_at ASC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// GetIncident returns a single incident by ID, or nil if not stored.
func (s *Store) GetIncident(id string) (*Incident, error) {
	row := s.conn.QueryRow(
		`SELECT incident_id, file_name, file_path, file_type, file_size,
			user_email, metadata, status, severity, policy_severity,
			incident_date, downloaded_at, analyzed_at, created_at
		FROM incidents WHERE incident_id = ?`, id,
	)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// GetRecentIncidents returns stored incidents newest first, bounded by limit.
func (s *Store) GetRecentIncidents(limit int) ([]Incident, error) {
	rows, err := s.conn.Query(
		`SELECT incident_id, file_name, file_path, file_type, file_size,
			user_email, metadata, status, severity, policy_severity,
			incident_date, downloaded_at, analyzed_at, created_at
		FROM incidents ORDER BY downloaded_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// GetAnalyzedIncidents returns analyzed incidents with their current
// verdict, newest first, for the review console.
func (s *Store) GetAnalyzedIncidents(limit int) ([]ReviewItem, error) {
	rows, err := s.conn.Query(
		`SELECT i.incident_id, i.file_name, i.user_email, i.severity,
			a.id, a.verdict, a.confidence, a.risk_level, a.analyzed_at
		FROM incidents i
		JOIN analysis a ON a.incident_id = i.incident_id
		ORDER BY a.analyzed_at DESC, a.id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var it ReviewItem
		if err := rows.Scan(&it.IncidentID, &it.FileName, &it.UserEmail, &it.Severity,
			&it.AnalysisID, &it.Verdict, &it.Confidence, &it.RiskLevel, &it.AnalyzedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var incidents []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.FileName, &inc.FilePath, &inc.FileType,
			&inc.FileSize, &inc.UserEmail, &inc.Metadata, &inc.Status, &inc.Severity,
			&inc.PolicySeverity, &inc.IncidentDate, &inc.DownloadedAt, &inc.AnalyzedAt,
			&inc.CreatedAt); err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row *sql.Row) (*Incident, error) {
	var inc Incident
	if err := row.Scan(&inc.ID, &inc.FileName, &inc.FilePath, &inc.FileType,
		&inc.FileSize, &inc.UserEmail, &inc.Metadata, &inc.Status, &inc.Severity,
		&inc.PolicySeverity, &inc.IncidentDate, &inc.DownloadedAt, &inc.AnalyzedAt,
		&inc.CreatedAt); err != nil {
		return nil, err
	}
	return &inc, nil
}
