package domain

import (
	"fmt"
	"strings"
)

// Object key layout. The layout is stable: restore depends on it.
//
//	<db-id>/manifest
//	<db-id>/gen-<id>/snapshot
//	<db-id>/gen-<id>/frames-<start>-<end>
//
// Numeric components are zero-padded so lexicographic key order equals
// sequence order, which lets restore replay a plain sorted listing.

// ManifestKey returns the well-known manifest key for a database.
func ManifestKey(dbid string) string {
	return dbid + "/manifest"
}

// GenerationPrefix returns the key prefix holding one generation's objects.
func GenerationPrefix(dbid string, gen uint64) string {
	return fmt.Sprintf("%s/gen-%020d/", dbid, gen)
}

// SnapshotKey returns the key of a generation's base snapshot object.
func SnapshotKey(dbid string, gen uint64) string {
	return GenerationPrefix(dbid, gen) + "snapshot"
}

// FramesKey returns the key of a frame batch object covering the inclusive
// sequence range [start, end].
func FramesKey(dbid string, gen, start, end uint64) string {
	return fmt.Sprintf("%sframes-%020d-%020d", GenerationPrefix(dbid, gen), start, end)
}

// ParseFramesKey extracts the sequence range from a frame batch key. The key
// may be absolute or relative to the generation prefix.
func ParseFramesKey(key string) (start, end uint64, err error) {
	i := strings.LastIndex(key, "frames-")
	if i < 0 {
		return 0, 0, fmt.Errorf("not a frames key: %q", key)
	}
	if _, err := fmt.Sscanf(key[i:], "frames-%d-%d", &start, &end); err != nil {
		return 0, 0, fmt.Errorf("malformed frames key %q: %w", key, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("inverted frames key %q", key)
	}
	return start, end, nil
}
