package store

import (
	"fmt"
	"strings"
	"time"
)

// Connection event types recorded in the journal.
const (
	EventAdded   = "added"
	EventRemoved = "removed"
)

// Event is one recorded connection lifecycle event.
type Event struct {
	ID           int64
	EventType    string
	Host         string
	Cwd          string
	ConnectionID string
	Timestamp    time.Time
}

// RecordEvent journals a connection lifecycle event. Best-effort: a briefly
// locked database is retried a few times so event recording never stalls a
// closing connection.
func (s *Store) RecordEvent(eventType, host, cwd, connectionID string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := s.conn.Exec(
			`INSERT INTO connection_events (event_type, host, cwd, connection_id, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			eventType, host, cwd, connectionID, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to record connection event after %d retries: database locked", maxRetries)
}

// History returns the most recent connection events, newest first.
func (s *Store) History(limit int) ([]Event, error) {
	rows, err := s.conn.Query(
		`SELECT id, event_type, host, cwd, connection_id, timestamp
		 FROM connection_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.Host, &e.Cwd, &e.ConnectionID, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
