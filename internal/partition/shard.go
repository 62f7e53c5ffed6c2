package partition

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Shard describes the slice of partitions owned by one frontier instance.
// Partitions are spread across Total shards by hashing their key.
type Shard struct {
	ID    int
	Total int
}

// NewShard validates and builds a Shard. Total <= 1 owns everything.
func NewShard(id, total int) (Shard, error) {
	if total <= 1 {
		return Shard{ID: 0, Total: 1}, nil
	}
	if id < 0 || id >= total {
		return Shard{}, fmt.Errorf("shard id %d out of range [0,%d)", id, total)
	}
	return Shard{ID: id, Total: total}, nil
}

// Owns reports whether the partition key belongs to this shard.
func (s Shard) Owns(partition string) bool {
	if s.Total <= 1 {
		return true
	}
	return xxhash.Sum64String(partition)%uint64(s.Total) == uint64(s.ID)
}
