package batch

import (
	"context"
	"sync"

	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// LogStore is the in-memory hot path for committed BatchLogs, mirroring
// ledger.Store's role for UserProfiles: it satisfies both
// internal/reveal.DB and internal/settlement.BatchLogLookup so settlement
// keeps working when no Postgres connection is configured (§4.7 requires
// lazy settlement to function regardless of the durable mirror's
// availability).
type LogStore struct {
	mu   sync.Mutex
	logs map[uint64]models.BatchLog
}

func NewLogStore() *LogStore {
	return &LogStore{logs: make(map[uint64]models.BatchLog)}
}

// CommitBatchLog stores the batch log once; a second commit for the same
// batch id is a no-op, matching the ON CONFLICT DO NOTHING write-once
// contract (P3) db.PostgresStore enforces for the durable mirror.
func (l *LogStore) CommitBatchLog(_ context.Context, log models.BatchLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.logs[log.BatchID]; exists {
		return nil
	}
	l.logs[log.BatchID] = log
	return nil
}

func (l *LogStore) GetBatchLog(_ context.Context, batchID uint64) (models.BatchLog, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.logs[batchID]
	return log, ok, nil
}
