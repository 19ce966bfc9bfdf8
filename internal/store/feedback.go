package store

import "fmt"

// InsertFeedback appends one analyst confirmation or correction.
// Feedback is never replaced; re-reviews add rows.
func (s *Store) InsertFeedback(fb *Feedback) (int64, error) {
	score := fb.RelevanceScore
	if score == 0 {
		score = 1.0
	}
	result, err := s.conn.Exec(
		`INSERT INTO feedback
		(incident_id, analysis_id, original_verdict, corrected_verdict,
		 analyst_comment, relevance_score)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fb.IncidentID, fb.AnalysisID, fb.OriginalVerdict, fb.CorrectedVerdict,
		fb.AnalystComment, score,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting feedback: %w", err)
	}
	return result.LastInsertId()
}

// GetFeedbackForLearning returns true corrections (corrected verdict differs
// from the original), highest relevance first and then newest first, joined
// with the incident's artifact info. Confirmations are excluded; they count
// toward accuracy but teach the classifier nothing new.
func (s *Store) GetFeedbackForLearning(limit int) ([]LearningExample, error) {
	rows, err := s.conn.Query(
		`SELECT f.id, f.incident_id, f.analysis_id, f.original_verdict,
			f.corrected_verdict, f.analyst_comment, f.relevance_score, f.created_at,
			i.file_name, i.file_type
		FROM feedback f
		JOIN incidents i ON i.incident_id = f.incident_id
		WHERE f.corrected_verdict != f.original_verdict
		ORDER BY f.relevance_score DESC, f.created_at DESC, f.id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []LearningExample
	for rows.Next() {
		var ex LearningExample
		if err := rows.Scan(&ex.ID, &ex.IncidentID, &ex.AnalysisID, &ex.OriginalVerdict,
			&ex.CorrectedVerdict, &ex.AnalystComment, &ex.RelevanceScore, &ex.CreatedAt,
			&ex.FileName, &ex.FileType); err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// GetFeedbackTrail returns all feedback for an incident, newest first.
func (s *Store) GetFeedbackTrail(incidentID string) ([]Feedback, error) {
	rows, err := s.conn.Query(
		`SELECT id, incident_id, analysis_id, original_verdict, corrected_verdict,
			analyst_comment, relevance_score, created_at
		FROM feedback WHERE incident_id = ?
		ORDER BY created_at DESC, id DESC`, incidentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trail []Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.ID, &fb.IncidentID, &fb.AnalysisID, &fb.OriginalVerdict,
			&fb.CorrectedVerdict, &fb.AnalystComment, &fb.RelevanceScore, &fb.CreatedAt); err != nil {
			return nil, err
		}
		trail = append(trail, fb)
	}
	return trail, rows.Err()
}
