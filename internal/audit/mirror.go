package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Mirror is an optional, best-effort asynchronous copy of audit records
// into a Postgres table, for operators who want queryable history beyond
// the flat file. It never blocks a decision: a full buffer drops the
// record and logs a warning, matching the file log's own failure policy
// (spec.md §7 — audit write failure is logged and swallowed).
type Mirror struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan mirrorRecord
	done    chan struct{}
	wg      sync.WaitGroup
}

type mirrorRecord struct {
	ts     time.Time
	fields json.RawMessage
}

const (
	mirrorBufferSize    = 256
	mirrorFlushInterval = 2 * time.Second
	mirrorFlushBatch    = 32
)

// NewMirror creates a Mirror. Call Start to begin the background flush
// loop.
func NewMirror(pool *pgxpool.Pool, logger *slog.Logger) *Mirror {
	return &Mirror{
		pool:    pool,
		logger:  logger,
		entries: make(chan mirrorRecord, mirrorBufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the background goroutine that flushes mirrored records to
// the database and returns immediately. The goroutine exits once ctx is
// cancelled or Close is called, after flushing pending entries.
func (m *Mirror) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Close signals the background goroutine to drain and flush pending entries,
// then waits for it to finish. It never closes the entries channel itself,
// so a concurrent Mirror call can never send on a closed channel; any entry
// submitted after Close returns is simply never drained.
func (m *Mirror) Close() {
	close(m.done)
	m.wg.Wait()
}

// Mirror enqueues a copy of an already-whitelisted record for async
// persistence. Never blocks the caller.
func (m *Mirror) Mirror(fields map[string]any) {
	body, err := json.Marshal(fields)
	if err != nil {
		m.logger.Warn("marshaling audit record for mirror", "error", err)
		return
	}
	select {
	case m.entries <- mirrorRecord{ts: time.Now().UTC(), fields: body}:
	default:
		m.logger.Warn("audit mirror buffer full, dropping record")
	}
}

func (m *Mirror) run(ctx context.Context) {
	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	batch := make([]mirrorRecord, 0, mirrorFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.flush(batch)
		batch = batch[:0]
	}

	drain := func() {
		for {
			select {
			case rec := <-m.entries:
				batch = append(batch, rec)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case rec := <-m.entries:
			batch = append(batch, rec)
			if len(batch) >= mirrorFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			drain()
			return
		case <-m.done:
			drain()
			return
		}
	}
}

func (m *Mirror) flush(batch []mirrorRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		m.logger.Error("acquiring connection for audit mirror flush", "error", err)
		return
	}
	defer conn.Release()

	for _, rec := range batch {
		_, err := conn.Exec(ctx,
			`INSERT INTO ghostline_audit_log (ts, record) VALUES ($1, $2)`,
			rec.ts, rec.fields,
		)
		if err != nil {
			m.logger.Error("mirroring audit record", "error", err)
		}
	}
}
