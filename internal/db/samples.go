package db

import (
	"fmt"
	"time"
)

// RangeSample is one journaled capture.
type RangeSample struct {
	SessionID   string
	CapturedAt  time.Time
	Echo        time.Duration
	Valid       bool
	RangeInches float64
	Feedback    float64
	Units       string
}

func (s *RangeSample) String() string {
	return fmt.Sprintf("%s echo=%s valid=%v range=%.2fin feedback=%.2f%s",
		s.CapturedAt.Format(time.RFC3339Nano), s.Echo, s.Valid, s.RangeInches, s.Feedback, s.Units)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}

// RecordSample inserts one capture.
func (db *DB) RecordSample(s RangeSample) error {
	_, err := db.Exec(`
		INSERT INTO range_samples (session_id, captured_at, echo_ns, valid, range_inches, feedback, units)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, unixSeconds(s.CapturedAt), int64(s.Echo), s.Valid, s.RangeInches, s.Feedback, s.Units,
	)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to limit samples for a session, newest first.
func (db *DB) RecentSamples(sessionID string, limit int) ([]RangeSample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT session_id, captured_at, echo_ns, valid, range_inches, feedback, units
		FROM range_samples
		WHERE session_id = ?
		ORDER BY captured_at DESC, sample_id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []RangeSample
	for rows.Next() {
		var (
			s          RangeSample
			capturedAt float64
			echoNS     int64
		)
		if err := rows.Scan(&s.SessionID, &capturedAt, &echoNS, &s.Valid, &s.RangeInches, &s.Feedback, &s.Units); err != nil {
			return nil, err
		}
		s.CapturedAt = fromUnixSeconds(capturedAt)
		s.Echo = time.Duration(echoNS)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// SampleStats summarises the journaled samples of one session.
type SampleStats struct {
	Total     int
	Valid     int
	MinInches float64
	MaxInches float64
	AvgInches float64
}

// DropoutRate returns the fraction of samples that were invalid.
func (s SampleStats) DropoutRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.Valid) / float64(s.Total)
}

// Stats aggregates a session's samples. Range figures cover valid samples only.
func (db *DB) Stats(sessionID string) (SampleStats, error) {
	var st SampleStats
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(valid), 0),
			COALESCE(MIN(CASE WHEN valid = 1 THEN range_inches END), 0),
			COALESCE(MAX(CASE WHEN valid = 1 THEN range_inches END), 0),
			COALESCE(AVG(CASE WHEN valid = 1 THEN range_inches END), 0)
		FROM range_samples
		WHERE session_id = ?`, sessionID,
	).Scan(&st.Total, &st.Valid, &st.MinInches, &st.MaxInches, &st.AvgInches)
	if err != nil {
		return st, fmt.Errorf("failed to compute stats for %s: %w", sessionID, err)
	}
	return st, nil
}

// SessionRecord describes one run of the poller.
type SessionRecord struct {
	ID        string
	Backend   string
	PingCh    int
	EchoCh    int
	Units     string
	StartedAt time.Time
	ClosedAt  *time.Time
}

// StartSession records a new session.
func (db *DB) StartSession(r SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, backend, ping_ch, echo_ch, units, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Backend, r.PingCh, r.EchoCh, r.Units, unixSeconds(r.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", r.ID, err)
	}
	return nil
}

// EndSession stamps the close time on a session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET closed_at = ? WHERE session_id = ?`, unixSeconds(at), id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Sessions returns all recorded sessions, newest first.
func (db *DB) Sessions() ([]SessionRecord, error) {
	rows, err := db.Query(`
		SELECT session_id, backend, ping_ch, echo_ch, units, started_at, closed_at
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r         SessionRecord
			startedAt float64
			closedAt  *float64
		)
		if err := rows.Scan(&r.ID, &r.Backend, &r.PingCh, &r.EchoCh, &r.Units, &startedAt, &closedAt); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnixSeconds(startedAt)
		if closedAt != nil {
			t := fromUnixSeconds(*closedAt)
			r.ClosedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
