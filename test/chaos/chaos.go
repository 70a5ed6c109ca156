package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/protocol"
)

// DropAdvisory returns a network fault function that loses roughly one in
// every n MASTER_LOG messages. Those carry no value and no state the
// coordinator depends on.
func DropAdvisory(seed int64, n int) func(protocol.Message) bool {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(msg protocol.Message) bool {
		if msg.Op != protocol.OpMasterLog || n <= 0 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return rng.Intn(n) == 0
	}
}

// Randomly terminates a backend connection belonging to our test application.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				// terminate some backend of this DB (heuristic: random active backend not our own PID)
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}
