package api

import (
	"net/http"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"go.uber.org/zap"
)

// handleListEvents implements GET /api/guard/events.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Event history not configured"})
		return
	}

	q := r.URL.Query()
	params := storage.ListEventsParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if v := q.Get("action"); v != "" {
		params.Action = &v
	}
	if v := q.Get("decision"); v != "" {
		params.Decision = &v
	}
	if v := q.Get("mode"); v != "" {
		params.Mode = &v
	}
	if v := q.Get("user_id_hash"); v != "" {
		params.UserIDHash = &v
	}
	if v := q.Get("is_shadow"); v != "" {
		b := v == "true" || v == "1"
		params.IsShadow = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}
	params.Normalize()

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}
	if events == nil {
		events = []storage.AbuseEvent{}
	}

	writeJSON(w, http.StatusOK, EventListResp{
		Events:   events,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

// handleStats implements GET /api/guard/stats?hours=.
func (d *Dependencies) handleStats(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Event history not configured"})
		return
	}

	hours := queryInt(r.URL.Query(), "hours", 24)
	if hours < 1 {
		hours = 1
	}
	if hours > 24*90 {
		hours = 24 * 90
	}

	summary, err := d.Reader.Summary(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		d.Logger.Error("failed to build stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to build stats"})
		return
	}
	summary.EnsureSlices()

	writeJSON(w, http.StatusOK, StatsResp{Hours: hours, Summary: summary})
}
