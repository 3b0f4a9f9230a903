package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request and admission attributes found on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(admissionDataKey{}).(*AdmissionData); ok {
		attrs := []any{slog.String("identity", ad.Identity)}
		if ad.SessionID != "" {
			attrs = append(attrs, slog.String("session_id", ad.SessionID))
		}
		r.AddAttrs(slog.Group("adm", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type admissionDataKey struct{}

type AdmissionData struct {
	Identity  string
	SessionID string
}

func WithAdmissionData(ctx context.Context, data *AdmissionData) context.Context {
	return context.WithValue(ctx, admissionDataKey{}, data)
}
