package eventlog

import (
	"context"
)

// HealthStatus summarizes the catchup index's Postgres connectivity.
type HealthStatus struct {
	Reachable   bool   `json:"reachable"`
	Error       string `json:"error,omitempty"`
	OpenConns   int32  `json:"open_conns"`
	IdleConns   int32  `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
}

// Health pings the catchup index's pool and reports its pool stats. A
// ping failure is reported in the returned status rather than as an
// error, since the caller only ever wants to render it into a health
// response.
func (c *CatchupIndex) Health(ctx context.Context) *HealthStatus {
	if err := c.pool.Ping(ctx); err != nil {
		return &HealthStatus{Reachable: false, Error: err.Error()}
	}
	stat := c.pool.Stat()
	return &HealthStatus{
		Reachable:     true,
		OpenConns:     stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
	}
}
