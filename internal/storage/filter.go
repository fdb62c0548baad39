package storage

import (
	"strings"
	"time"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter narrows list queries. From is inclusive, To exclusive; zero values
// leave the bound open.
type Filter struct {
	From      time.Time
	To        time.Time
	EventType string
	CompanyID string
	Limit     int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

type filterColumns struct {
	at        string
	atCast    string
	eventType string
	company   string
}

var (
	eventColumns       = filterColumns{at: "received_at", eventType: "event_type", company: "company_id"}
	transactionColumns = filterColumns{at: "occurred_at", eventType: "type", company: "company_id"}
	dailyColumns       = filterColumns{at: "day", eventType: "event_type"}
)

// clauses renders the filter as a WHERE clause using the dialect's
// placeholder and time encoding. Tables without a company column ignore
// CompanyID.
func (f Filter) clauses(cols filterColumns, placeholder func(int) string, encode func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column, op, cast string, arg any) {
		args = append(args, arg)
		conds = append(conds, column+" "+op+" "+placeholder(len(args))+cast)
	}

	if !f.From.IsZero() {
		add(cols.at, ">=", cols.atCast, encode(f.From))
	}
	if !f.To.IsZero() {
		add(cols.at, "<", cols.atCast, encode(f.To))
	}
	if f.EventType != "" {
		add(cols.eventType, "=", "", f.EventType)
	}
	if f.CompanyID != "" && cols.company != "" {
		add(cols.company, "=", "", f.CompanyID)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
