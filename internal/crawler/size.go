package crawler

import (
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize reads a declared magnet size such as "4.2GB, 1 file" or
// "700 MiB". Unreadable sizes are 0.
func ParseSize(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, ",，"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return 0
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil || n > 1<<62 {
		return 0
	}
	return int64(n)
}
