package client

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// SourceKey builds the storage key of an uploaded artifact. The timestamp
// keeps repeated uploads of the same file apart.
func SourceKey(owner, fileName string, at time.Time) string {
	return fmt.Sprintf("audio/%s/%d_%s", owner, at.UnixNano(), safeName(fileName))
}

// StemKey builds the storage key of one separated stem
func StemKey(owner, jobID, stem string) string {
	return fmt.Sprintf("stems/%s/%s/%s.wav", owner, jobID, stem)
}

// ScoreKey builds the storage key of the transcribed score
func ScoreKey(owner, jobID string) string {
	return fmt.Sprintf("scores/%s/%s.mid", owner, jobID)
}

// safeName drops any directory part and characters that would break a key
func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f, r == '?', r == '#':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
