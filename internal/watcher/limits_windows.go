//go:build windows

package watcher

func isWatchLimit(err error) bool {
	return false
}
