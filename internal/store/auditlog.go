package store

// AuditRow is one persisted audit event.
type AuditRow struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Event     string `json:"event"`
	Peer      string `json:"peer,omitempty"`
	Message   string `json:"message,omitempty"`
	Success   bool   `json:"success"`
}

// InsertAuditEvent appends one row to the audit log.
func (s *Store) InsertAuditEvent(timestamp int64, level, event, peer, message string, success bool) error {
	now := s.unix()
	_, err := s.exec(`
		INSERT INTO audit_log (timestamp, level, event, peer, message, success, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, timestamp, level, event, peer, message, boolToInt(success), now, now)
	return err
}

// RecentAuditEvents returns the newest events, newest first.
func (s *Store) RecentAuditEvents(limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, level, event, peer, message, success
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var success int
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Event, &r.Peer, &r.Message, &success); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
