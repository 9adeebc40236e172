// Package ids generates globally unique, roughly sortable identifiers:
// a type prefix, a monotonic sequence component, and a random suffix.
package ids

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var counter atomic.Uint64

// New returns an id of the form "<prefix>_<epoch-ms>_<seq>_<rand8>".
// Ids issued by one process sort by issue order; the uuid suffix keeps them
// unique across processes sharing a data root.
func New(prefix string) string {
	seq := counter.Add(1)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%013d_%06d_%s", prefix, time.Now().UnixMilli(), seq, suffix)
}

// NowMillis returns the current wall clock in epoch milliseconds. All
// persisted timestamps use this resolution.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
