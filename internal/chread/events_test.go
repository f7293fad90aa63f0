package chread

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"go.uber.org/zap"
)

// fakeRow scans zero into every destination.
type fakeRow struct{}

func (fakeRow) Err() error { return nil }
func (fakeRow) Scan(dest ...any) error {
	for _, d := range dest {
		if p, ok := d.(*uint64); ok {
			*p = 0
		}
	}
	return nil
}
func (fakeRow) ScanStruct(any) error { return nil }

// fakeRows yields no rows and then reports err.
type fakeRows struct {
	err error
}

func (r *fakeRows) Next() bool { return false }
func (r *fakeRows) Scan(...any) error { return nil }
func (r *fakeRows) ScanStruct(any) error { return nil }
func (r *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *fakeRows) Totals(...any) error { return nil }
func (r *fakeRows) Columns() []string { return nil }
func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error { return r.err }

// fakeConn fails the row stream of the first query containing failOn.
type fakeConn struct {
	failOn string
}

func (c *fakeConn) Query(_ context.Context, query string, _ ...any) (driver.Rows, error) {
	if c.failOn != "" && strings.Contains(query, c.failOn) {
		return &fakeRows{err: errors.New("connection reset mid-stream")}, nil
	}
	return &fakeRows{}, nil
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) driver.Row { return fakeRow{} }
func (c *fakeConn) Close() error { return nil }

func TestBuildFilter_Empty(t *testing.T) {
	where, args := buildFilter(storage.ListEventsParams{})
	if where != "1 = 1" || len(args) != 0 {
		t.Errorf("expected match-all filter, got %q with %d args", where, len(args))
	}
}

func TestBuildFilter_AllFields(t *testing.T) {
	action, decision, mode, user := "post.create", "throttle", "shadow", "u1"
	shadow := true
	start := time.Now().Add(-time.Hour)
	end := time.Now()

	where, args := buildFilter(storage.ListEventsParams{
		Action:     &action,
		Decision:   &decision,
		Mode:       &mode,
		UserIDHash: &user,
		IsShadow:   &shadow,
		StartTime:  &start,
		EndTime:    &end,
	})
	for _, want := range []string{
		"action = @action",
		"decision = @decision",
		"mode = @mode",
		"user_id_hash = @user_id_hash",
		"is_shadow = @is_shadow",
		"created_at >= @start_time",
		"created_at <= @end_time",
	} {
		if !strings.Contains(where, want) {
			t.Errorf("expected %q in %q", want, where)
		}
	}
	if len(args) != 7 {
		t.Errorf("expected 7 args, got %d", len(args))
	}
}

func TestSummary_StreamErrorsSurface(t *testing.T) {
	for _, failOn := range []string{"toStartOfHour", "triggered_rule, count()", "user_id_hash, count()"} {
		r := &Reader{conn: &fakeConn{failOn: failOn}, logger: zap.NewNop()}
		if _, err := r.Summary(context.Background(), time.Now().Add(-time.Hour)); err == nil {
			t.Errorf("query %q: expected the stream error, got a truncated summary", failOn)
		}
	}

	r := &Reader{conn: &fakeConn{}, logger: zap.NewNop()}
	s, err := r.Summary(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.TopRules == nil || s.TopUsers == nil || s.RejectsOverTime == nil {
		t.Error("expected empty slices, not nil")
	}
}
