package shard

import "os"

// File name suffixes derived from a shard prefix. The redo log and the
// child prefixes only exist while a split is in flight; their presence on
// disk after a restart is what drives recovery.
const (
	metaSuffix  = ".meta"
	dataSuffix  = ".data"
	redoSuffix  = ".redo"
	leftSuffix  = ".l"
	rightSuffix = ".r"
)

// names holds every filesystem name a shard can touch, derived once from
// its prefix at open time and replaced wholesale on rename.
type names struct {
	prefix string
	meta   string
	data   string
	redo   string
	left   string // child shard prefix, not a file itself
	right  string // child shard prefix, not a file itself
}

func newNames(prefix string) *names {
	return &names{
		prefix: prefix,
		meta:   prefix + metaSuffix,
		data:   prefix + dataSuffix,
		redo:   prefix + redoSuffix,
		left:   prefix + leftSuffix,
		right:  prefix + rightSuffix,
	}
}

// fileExists reports whether path exists. Any stat error other than
// not-exist is treated as existing so that open surfaces the real error
// instead of silently re-creating files.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
