// Package registry keeps track of live relay sessions so the host process can
// enumerate and drain them. The relay core works without it.
package registry

import (
	"context"
	"time"
)

// Info describes one live session. It carries no connection handles so it can
// be shared between relay instances.
type Info struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Instance  string    `json:"instance,omitempty"`
}

// Stats is a point-in-time view used by the dashboard and /api/state.
type Stats struct {
	Active          int   `json:"active"`
	TotalSessions   int64 `json:"total_sessions"`
	ConnectFailures int64 `json:"connect_failures"`
}

// Store abstracts session bookkeeping to allow horizontal scaling.
type Store interface {
	Add(ctx context.Context, info Info) error
	Update(ctx context.Context, id, state string)
	Remove(ctx context.Context, id string)
	List(ctx context.Context) ([]Info, error)
	Count() int

	RecordConnectFailure()
	Stats() Stats

	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool

	Close() error
}
