package db

import (
	"context"

	"github.com/anstrom/serverseeker/internal/scanning"
)

// Sink persists routed records: successes are upserted into the index and
// failures update the check columns of servers that are already indexed.
type Sink struct {
	servers *ServerRepository
}

// NewSink returns a sink writing through servers.
func NewSink(servers *ServerRepository) *Sink {
	return &Sink{servers: servers}
}

// Write stores rec.
func (s *Sink) Write(ctx context.Context, rec scanning.ServerRecord) error {
	if rec.Outcome == scanning.OutcomeSuccess {
		return s.servers.Upsert(ctx, rec)
	}
	return s.servers.MarkFailure(ctx, rec)
}
