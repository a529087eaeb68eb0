package livesync

import (
	"strings"

	"github.com/bringyour/meshsync/schema"
)

// the flat storage key for a logical path and its instance keys,
// e.g. ("chat.message", "room42") is "chat.message.room42"
// keys are not validated. A key that contains the separator reads as more segments.
func StorageKey(path string, keys ...string) string {
	segments := SplitPath(path)
	segments = append(segments, keys...)
	return strings.Join(segments, schema.Separator)
}

func SplitPath(path string) []string {
	return schema.SplitPath(path)
}
