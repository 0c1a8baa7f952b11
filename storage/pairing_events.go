package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"connecto/models"
)

const (
	// KindPair records an outgoing one-way pairing.
	KindPair = "pair"
	// KindListen records a key accepted by the handshake server.
	KindListen = "listen"
	// KindSync records a bidirectional sync.
	KindSync = "sync"
	// KindKeyRemoved records a key removed from authorized_keys.
	KindKeyRemoved = "key_removed"

	// OutcomeSuccess marks a completed operation.
	OutcomeSuccess = "success"
	// OutcomeFailure marks a failed operation.
	OutcomeFailure = "failure"
)

// PairingEventFilter narrows GetPairingEvents results.
type PairingEventFilter struct {
	Kind          string
	Outcome       string
	FromTimestamp *int64
	Limit         int
}

type scanner interface {
	Scan(dest ...any) error
}

// LogPairingEvent inserts a history row and applies retention pruning. The
// ID and Timestamp are filled in when empty; the stored row is returned.
func (s *Store) LogPairingEvent(event models.PairingEvent) (models.PairingEvent, error) {
	if err := validateKind(event.Kind); err != nil {
		return models.PairingEvent{}, err
	}
	if err := validateOutcome(event.Outcome); err != nil {
		return models.PairingEvent{}, err
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (
			id,
			kind,
			peer_name,
			peer_user,
			peer_address,
			key_comment,
			outcome,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Kind,
		event.PeerName,
		event.PeerUser,
		event.PeerAddress,
		event.KeyComment,
		event.Outcome,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return models.PairingEvent{}, fmt.Errorf("insert pairing event %q: %w", event.Kind, err)
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixMilli()
		if _, err := s.PrunePairingEvents(cutoff); err != nil {
			return models.PairingEvent{}, fmt.Errorf("prune pairing events: %w", err)
		}
	}

	return event, nil
}

// GetPairingEvents returns history rows, newest first.
func (s *Store) GetPairingEvents(filter PairingEventFilter) ([]models.PairingEvent, error) {
	if filter.Kind != "" {
		if err := validateKind(filter.Kind); err != nil {
			return nil, err
		}
	}
	if filter.Outcome != "" {
		if err := validateOutcome(filter.Outcome); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		kind,
		peer_name,
		peer_user,
		peer_address,
		key_comment,
		outcome,
		details,
		timestamp
	FROM pairing_events`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]models.PairingEvent, 0)
	for rows.Next() {
		event, err := scanPairingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents removes history rows older than cutoffTimestamp.
func (s *Store) PrunePairingEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pairing event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanPairingEvent(row scanner) (models.PairingEvent, error) {
	var event models.PairingEvent
	err := row.Scan(
		&event.ID,
		&event.Kind,
		&event.PeerName,
		&event.PeerUser,
		&event.PeerAddress,
		&event.KeyComment,
		&event.Outcome,
		&event.Details,
		&event.Timestamp,
	)
	return event, err
}

func validateKind(kind string) error {
	switch kind {
	case KindPair, KindListen, KindSync, KindKeyRemoved:
		return nil
	default:
		return fmt.Errorf("invalid pairing event kind %q", kind)
	}
}

func validateOutcome(outcome string) error {
	switch outcome {
	case OutcomeSuccess, OutcomeFailure:
		return nil
	default:
		return fmt.Errorf("invalid pairing event outcome %q", outcome)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
