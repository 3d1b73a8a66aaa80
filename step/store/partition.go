package store

import "github.com/spaolacci/murmur3"

// PartitionFor maps key to one of count partitions. The same key always
// maps to the same partition for a given count.
func PartitionFor(key string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(count))
}
