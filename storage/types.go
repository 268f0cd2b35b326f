package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerlink/events"
	"peerlink/requests"
	"peerlink/transfer"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// EventFilter narrows GetEvents query results. Zero fields do not filter.
type EventFilter struct {
	RunID         string
	Type          events.Type
	MinLevel      events.Level
	RequestID     int64
	TransferID    int64
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// RequestRecord is the archived form of one request log entry.
type RequestRecord struct {
	RunID       string
	RequestID   int64
	Type        requests.Type
	Direction   requests.Direction
	PeerAddress string
	Status      requests.Status
	Error       string
	Timestamp   int64
}

// TransferRecord is the archived snapshot of one file transfer.
type TransferRecord struct {
	RunID     string
	Transfer  transfer.FileTransfer
	UpdatedAt int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRequestDirection(direction requests.Direction) error {
	switch direction {
	case requests.Inbound, requests.Outbound:
		return nil
	default:
		return fmt.Errorf("invalid request direction %q", direction)
	}
}

func validateRequestStatus(status requests.Status) error {
	switch status {
	case requests.StatusPending, requests.StatusInProgress, requests.StatusProcessed,
		requests.StatusFailed, requests.StatusSent:
		return nil
	default:
		return fmt.Errorf("invalid request status %q", status)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
