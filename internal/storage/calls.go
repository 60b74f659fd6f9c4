package storage

import (
	"context"
	"errors"
	"time"
)

// CallRecord is one finished call.
type CallRecord struct {
	CallID      string    `json:"call_id"`
	RemoteParty string    `json:"remote_party"`
	Role        string    `json:"role"`
	Media       string    `json:"media"`
	StartedAt   time.Time `json:"started_at"`
	AnsweredAt  time.Time `json:"answered_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
	Reason      string    `json:"reason"`
}

// Duration is the connected time, zero for calls never answered.
func (r CallRecord) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.Before(r.AnsweredAt) {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}

// RecentParty summarizes the calls with one remote party.
type RecentParty struct {
	PartyID    string    `json:"party_id"`
	Calls      int       `json:"calls"`
	LastCallAt time.Time `json:"last_call_at"`
}

// InsertCall stores rec. A record for the same call id replaces the old one.
func (d *DB) InsertCall(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" {
		return errors.New("storage: call record without id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _calls
			(call_id, remote_party, role, media, started_at, answered_at, ended_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			answered_at = excluded.answered_at,
			ended_at    = excluded.ended_at,
			reason      = excluded.reason`,
		rec.CallID, rec.RemoteParty, rec.Role, rec.Media,
		toMillis(rec.StartedAt), toMillis(rec.AnsweredAt), toMillis(rec.EndedAt), rec.Reason,
	)
	return err
}

// ListCalls returns up to limit calls, newest first. A non-empty party
// restricts the list to calls with that party.
func (d *DB) ListCalls(ctx context.Context, party string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := `SELECT call_id, remote_party, role, media, started_at, answered_at, ended_at, reason
		FROM _calls`
	args := []any{}
	if party != "" {
		q += ` WHERE remote_party = ?`
		args = append(args, party)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var (
			r                        CallRecord
			started, answered, ended int64
		)
		if err := rows.Scan(&r.CallID, &r.RemoteParty, &r.Role, &r.Media, &started, &answered, &ended, &r.Reason); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.AnsweredAt = fromMillis(answered)
		r.EndedAt = fromMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentParties returns the parties called most recently.
func (d *DB) RecentParties(ctx context.Context, limit int) ([]RecentParty, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT remote_party, COUNT(*), MAX(started_at)
		FROM _calls
		GROUP BY remote_party
		ORDER BY MAX(started_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentParty
	for rows.Next() {
		var (
			p    RecentParty
			last int64
		)
		if err := rows.Scan(&p.PartyID, &p.Calls, &last); err != nil {
			return nil, err
		}
		p.LastCallAt = fromMillis(last)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneCalls keeps the newest keep calls and deletes the rest.
func (d *DB) PruneCalls(ctx context.Context, keep int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM _calls WHERE call_id NOT IN (
			SELECT call_id FROM _calls ORDER BY started_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
