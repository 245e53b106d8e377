package coordination

import (
	"context"
	"log"
	"time"
)

// Sweeper drops expired entries from an in-process key/value store.
type Sweeper interface {
	SweepExpired() int
}

// KVJanitor reclaims expired cache entries and processed-event markers when
// the hub runs without Redis. Redis expires keys on its own.
type KVJanitor struct {
	kv       Sweeper
	interval time.Duration
}

func NewKVJanitor(kv Sweeper, interval time.Duration) *KVJanitor {
	return &KVJanitor{kv: kv, interval: interval}
}

func (j *KVJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *KVJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.kv.SweepExpired(); n > 0 {
				log.Printf("[JANITOR] Swept %d expired keys", n)
			}
		}
	}
}
