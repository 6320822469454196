package store

import (
	"database/sql"
	"time"
)

// Timestamps are stored as unix seconds (UTC); NULL means unset.

func toNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func fromNullInt64(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// response_timeout_sec: 0 in the domain means "use process default".
func toNullSec(sec int) sql.NullInt64 {
	if sec <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(sec), Valid: true}
}

func fromNullSec(ns sql.NullInt64) int {
	if !ns.Valid {
		return 0
	}
	return int(ns.Int64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
