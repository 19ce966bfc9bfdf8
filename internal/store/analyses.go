package store

import (
	"database/sql"
	"fmt"
)

// SaveAnalysis stores the classification result for an incident, replacing
// any prior analysis, and advances the incident to status "analyzed" in the
// same transaction. Returns the analysis row ID.
func (s *Store) SaveAnalysis(a *Analysis) (int64, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT OR REPLACE INTO analysis
		(incident_id, verdict, confidence, executive_summary, reasoning,
		 raw_reply, risk_level, schema_version, processing_time, tokens_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.IncidentID, a.Verdict, a.Confidence, a.ExecutiveSummary, a.Reasoning,
		a.RawReply, a.RiskLevel, a.SchemaVersion, a.ProcessingTime, a.TokensUsed,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting analysis: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading analysis id: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE incidents SET status = 'analyzed', analyzed_at = datetime('now')
		WHERE incident_id = ?`, a.IncidentID,
	); err != nil {
		return 0, fmt.Errorf("marking incident analyzed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing analysis: %w", err)
	}
	return id, nil
}

// GetAnalysis returns the current analysis for an incident, or nil if none.
func (s *Store) GetAnalysis(incidentID string) (*Analysis, error) {
	row := s.conn.QueryRow(
		`SELECT id, incident_id, verdict, confidence, executive_summary, reasoning,
			raw_reply, risk_level, schema_version, processing_time, tokens_used, analyzed_at
		FROM analysis WHERE incident_id = ?`, incidentID,
	)

	var a Analysis
	if err := row.Scan(&a.ID, &a.IncidentID, &a.Verdict, &a.Confidence,
		&a.ExecutiveSummary, &a.Reasoning, &a.RawReply, &a.RiskLevel,
		&a.SchemaVersion, &a.ProcessingTime, &a.TokensUsed, &a.AnalyzedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
