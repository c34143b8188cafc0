package cloud

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// waitForCode blocks until a verification code appears in the token
// file. The file is polled once up front, then watched through its
// parent directory so a file created after the watch starts is still
// seen. The consumed file is removed so a retried login cannot replay
// a rejected code.
func waitForCode(ctx context.Context, path string) (string, error) {
	if code, ok := readCode(path); ok {
		os.Remove(path)
		return code, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create mfa watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mfa token dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch mfa token dir: %w", err)
	}

	// The file may have landed between the first poll and the watch.
	if code, ok := readCode(path); ok {
		os.Remove(path)
		return code, nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("mfa watcher closed")
			}
			if event.Name != path || !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if code, ok := readCode(path); ok {
				os.Remove(path)
				return code, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("mfa watcher closed")
			}
			return "", fmt.Errorf("mfa watcher: %w", err)
		}
	}
}

// readCode accepts a file holding exactly one 6-digit code, surrounding
// whitespace ignored.
func readCode(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	code := strings.TrimSpace(string(data))
	if len(code) != 6 {
		return "", false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return code, true
}
