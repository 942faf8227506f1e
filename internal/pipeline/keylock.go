package pipeline

import (
	"context"
	"hash/fnv"
)

const lockShards = 256

// keyLock serializes work per transaction id inside one process using a
// fixed pool of channel mutexes. Keys that share a shard also serialize.
// Cross-process exclusion is left to the store's unique constraints.
type keyLock struct {
	shards [lockShards]chan struct{}
}

func newKeyLock() *keyLock {
	l := &keyLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// lock acquires the shard for key or returns the context error.
func (l *keyLock) lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[shardIndex(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
