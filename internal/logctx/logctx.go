// Package logctx decorates slog records with geotracker attributes carried
// on the context: the tracker session a record belongs to, the transition
// being executed and, for feed connections, the remote peer.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.String("role", sd.Role),
			slog.String("id", sd.SessionID),
			slog.String("title", sd.Title),
		))
	}

	if td, ok := ctx.Value(transitionDataKey{}).(*TransitionData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", td.Op),
			slog.String("arg", td.Arg),
		))
	}

	if pd, ok := ctx.Value(peerDataKey{}).(*PeerData); ok {
		r.AddAttrs(slog.Group("peer",
			slog.String("id", pd.ID),
			slog.String("remote_addr", pd.RemoteAddr),
			slog.String("user_agent", pd.UserAgent),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the wrapper in place so derived loggers still decorate.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the wrapper in place so derived loggers still decorate.
func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

type SessionData struct {
	UserID    string
	Role      string
	SessionID string
	Title     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type transitionDataKey struct{}

type TransitionData struct {
	Op  string
	Arg string
}

func WithTransitionData(ctx context.Context, data *TransitionData) context.Context {
	return context.WithValue(ctx, transitionDataKey{}, data)
}

type peerDataKey struct{}

type PeerData struct {
	ID         string
	RemoteAddr string
	UserAgent  string
}

func WithPeerData(ctx context.Context, data *PeerData) context.Context {
	return context.WithValue(ctx, peerDataKey{}, data)
}
