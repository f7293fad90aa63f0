package chread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"go.uber.org/zap"
)

// queryConn is the subset of driver.Conn the reader uses.
type queryConn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Close() error
}

// Reader provides read access to the ClickHouse abuse_events table.
type Reader struct {
	conn   queryConn
	logger *zap.Logger
}

var _ storage.EventReader = (*Reader)(nil)

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := storage.OpenClickHouse(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

const eventColumns = "id, action, decision, reason, triggered_rule, current_count, limit_value, " +
	"user_id_hash, ip_hash, mode, is_shadow, created_at"

// buildFilter turns params into a WHERE clause and its named arguments.
func buildFilter(params storage.ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Action != nil {
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *params.Action))
	}
	if params.Decision != nil {
		conditions = append(conditions, "decision = @decision")
		args = append(args, clickhouse.Named("decision", *params.Decision))
	}
	if params.Mode != nil {
		conditions = append(conditions, "mode = @mode")
		args = append(args, clickhouse.Named("mode", *params.Mode))
	}
	if params.UserIDHash != nil {
		conditions = append(conditions, "user_id_hash = @user_id_hash")
		args = append(args, clickhouse.Named("user_id_hash", *params.UserIDHash))
	}
	if params.IsShadow != nil {
		var v uint8
		if *params.IsShadow {
			v = 1
		}
		conditions = append(conditions, "is_shadow = @is_shadow")
		args = append(args, clickhouse.Named("is_shadow", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "created_at >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "created_at <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered abuse events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params storage.ListEventsParams) ([]storage.AbuseEvent, int, error) {
	params.Normalize()
	where, args := buildFilter(params)
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM abuse_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM abuse_events WHERE %s ORDER BY created_at DESC LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []storage.AbuseEvent{}
	for rows.Next() {
		var e storage.AbuseEvent
		var isShadow uint8
		if err := rows.Scan(
			&e.ID, &e.Action, &e.Decision, &e.Reason, &e.TriggeredRule,
			&e.CurrentCount, &e.LimitValue, &e.UserIDHash, &e.IPHash,
			&e.Mode, &isShadow, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		e.IsShadow = isShadow == 1
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// Summary returns aggregate counts for events created at or after since.
func (r *Reader) Summary(ctx context.Context, since time.Time) (*storage.Summary, error) {
	args := []any{clickhouse.Named("since", since.UTC())}
	s := &storage.Summary{}

	var total, allows, throttles, denies, reviews, shadow uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(decision = 'allow'), "+
			"countIf(decision = 'throttle'), "+
			"countIf(decision = 'deny'), "+
			"countIf(decision = 'degrade_to_review'), "+
			"countIf(is_shadow = 1) "+
			"FROM abuse_events WHERE created_at >= @since",
		args...,
	).Scan(&total, &allows, &throttles, &denies, &reviews, &shadow)
	if err != nil {
		return nil, fmt.Errorf("Summary counts: %w", err)
	}
	s.Total, s.Allows, s.Throttles = int(total), int(allows), int(throttles)
	s.Denies, s.Reviews, s.Shadow = int(denies), int(reviews), int(shadow)

	hourRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(created_at) AS hour, count() "+
			"FROM abuse_events WHERE created_at >= @since AND decision IN ('throttle', 'deny') "+
			"GROUP BY hour ORDER BY hour",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Summary rejects_over_time: %w", err)
	}
	defer func() { _ = hourRows.Close() }()
	for hourRows.Next() {
		var hour time.Time
		var count uint64
		if err := hourRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("Summary rejects_over_time scan: %w", err)
		}
		s.RejectsOverTime = append(s.RejectsOverTime, storage.TimeSeriesBucket{
			Hour:  hour.UTC().Format(time.RFC3339),
			Count: int(count),
		})
	}
	if err := hourRows.Err(); err != nil {
		return nil, fmt.Errorf("Summary rejects_over_time: %w", err)
	}

	ruleRows, err := r.conn.Query(ctx,
		"SELECT action, triggered_rule, count() AS c "+
			"FROM abuse_events WHERE created_at >= @since AND triggered_rule != '' "+
			"GROUP BY action, triggered_rule ORDER BY c DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Summary top_rules: %w", err)
	}
	defer func() { _ = ruleRows.Close() }()
	for ruleRows.Next() {
		var rc storage.RuleCount
		var count uint64
		if err := ruleRows.Scan(&rc.Action, &rc.Rule, &count); err != nil {
			return nil, fmt.Errorf("Summary top_rules scan: %w", err)
		}
		rc.Count = int(count)
		s.TopRules = append(s.TopRules, rc)
	}
	if err := ruleRows.Err(); err != nil {
		return nil, fmt.Errorf("Summary top_rules: %w", err)
	}

	userRows, err := r.conn.Query(ctx,
		"SELECT user_id_hash, count() AS c "+
			"FROM abuse_events WHERE created_at >= @since AND decision != 'allow' AND user_id_hash != '' "+
			"GROUP BY user_id_hash ORDER BY c DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Summary top_users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var uc storage.UserCount
		var count uint64
		if err := userRows.Scan(&uc.UserIDHash, &count); err != nil {
			return nil, fmt.Errorf("Summary top_users scan: %w", err)
		}
		uc.Count = int(count)
		s.TopUsers = append(s.TopUsers, uc)
	}
	if err := userRows.Err(); err != nil {
		return nil, fmt.Errorf("Summary top_users: %w", err)
	}

	s.EnsureSlices()
	return s, nil
}
