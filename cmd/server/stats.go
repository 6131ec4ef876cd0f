package main

import (
	"context"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/registry"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Active          int             `json:"active"`
	TotalSessions   int64           `json:"total_sessions"`
	ConnectFailures int64           `json:"connect_failures"`
	Sessions        []registry.Info `json:"sessions"`
	Now             string          `json:"now"`
}

func collectStats(ctx context.Context, s registry.Store) Stats {
	st := s.Stats()
	sessions, err := s.List(ctx)
	if err != nil {
		obs.Error("stats.list", obs.Fields{"err": err.Error()})
	}
	if sessions == nil {
		sessions = []registry.Info{}
	}
	return Stats{
		Active:          st.Active,
		TotalSessions:   st.TotalSessions,
		ConnectFailures: st.ConnectFailures,
		Sessions:        sessions,
		Now:             time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":          s.Active,
		"Total":           s.TotalSessions,
		"ConnectFailures": s.ConnectFailures,
		"Sessions":        s.Sessions,
	}
}
