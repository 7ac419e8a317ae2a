package repository

import (
	"database/sql"
	"time"
)

// 永続化する時刻はすべてUTCのunixナノ秒（INTEGER）で表現する。

func timeToNS(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nsToTimePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := nsToTime(ns.Int64)
	return &t
}

func timePtrToNS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: timeToNS(*t), Valid: true}
}
