package middleware

import (
	"context"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"lotscan/pkg/uid"
)

const (
	// HeaderRequestID carries the correlation id in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderStation names the scanning station a request comes from.
	HeaderStation = "X-Scanner-Station"
)

// Inbound ids end up in logs, so only short plain tokens are kept.
var (
	validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
	validStation   = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)
)

type traceKey struct{}

// trace identifies the request and the station behind it.
type trace struct {
	requestID string
	station   string
}

// RequestID assigns every request a correlation id. A well formed
// X-Request-ID from the caller is kept; otherwise a time-ordered id is
// generated so log lines sort by arrival. The id is echoed back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := trace{requestID: r.Header.Get(HeaderRequestID)}
		if !validRequestID.MatchString(t.requestID) {
			t.requestID = uid.NewOrdered()
		}
		if station := r.Header.Get(HeaderStation); validStation.MatchString(station) {
			t.station = station
		}

		w.Header().Set(HeaderRequestID, t.requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, t)))
	})
}

// GetRequestID returns the correlation id, or "" outside RequestID.
func GetRequestID(ctx context.Context) string {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t.requestID
}

// GetStation returns the calling station, or "" when it did not say.
func GetStation(ctx context.Context) string {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t.station
}

// traceFields are the log fields identifying the request in ctx.
func traceFields(ctx context.Context) []zap.Field {
	t, ok := ctx.Value(traceKey{}).(trace)
	if !ok {
		return nil
	}
	fields := []zap.Field{zap.String("request_id", t.requestID)}
	if t.station != "" {
		fields = append(fields, zap.String("station", t.station))
	}
	return fields
}
