package store

import (
	"database/sql"
	"fmt"
)

// JoinTokenRow is the stored form of an issued join token. The encoded token
// string itself is the lookup key.
type JoinTokenRow struct {
	ID             int64
	Token          string
	IssuerHostname string
	ExpiresAt      int64
	Used           bool
	UsedByHostname string
	UsedAt         int64
}

// InsertJoinToken persists a freshly issued token with used=0.
func (s *Store) InsertJoinToken(encoded, issuerHostname string, expiresAt int64) error {
	now := s.unix()
	_, err := s.exec(`
		INSERT INTO join_tokens (token, issuer_hostname, expires_at, used, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, encoded, issuerHostname, expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("insert join token: %w", err)
	}
	return nil
}

// GetJoinToken looks up a token row by its encoded string.
func (s *Store) GetJoinToken(encoded string) (JoinTokenRow, bool, error) {
	var row JoinTokenRow
	var usedBy sql.NullString
	var usedAt sql.NullInt64
	var used int
	err := s.db.QueryRow(`
		SELECT id, token, issuer_hostname, expires_at, used, used_by_hostname, used_at
		FROM join_tokens WHERE token = ?
	`, encoded).Scan(&row.ID, &row.Token, &row.IssuerHostname, &row.ExpiresAt, &used, &usedBy, &usedAt)
	if err == sql.ErrNoRows {
		return JoinTokenRow{}, false, nil
	}
	if err != nil {
		return JoinTokenRow{}, false, err
	}
	row.Used = used != 0
	row.UsedByHostname = usedBy.String
	row.UsedAt = usedAt.Int64
	return row, true, nil
}

// MarkTokenUsed consumes a token: used=1, the joiner recorded, the time
// stamped. Only called after the peer insertion has succeeded.
func (s *Store) MarkTokenUsed(encoded, usedByHostname string) error {
	now := s.unix()
	res, err := s.exec(`
		UPDATE join_tokens SET used = 1, used_by_hostname = ?, used_at = ?, updated_at = ?
		WHERE token = ?
	`, usedByHostname, now, now, encoded)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token not found")
	}
	return nil
}

// DeleteExpiredTokens prunes every token past its expiry, used or not.
func (s *Store) DeleteExpiredTokens() (int64, error) {
	res, err := s.exec(`DELETE FROM join_tokens WHERE expires_at < ?`, s.unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TokenCount reports how many tokens are stored. Used by tests.
func (s *Store) TokenCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM join_tokens`).Scan(&n)
	return n, err
}
