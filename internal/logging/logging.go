// Package logging configures the shared slog logger. Log records go to
// a timestamped JSON file under the state directory; the file set is
// rotated by count so long-running supervisors do not fill the disk.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Setup creates the logger and returns it together with the log file
// path. A file count below 1 disables the on-disk log entirely.
func Setup(level string, logDir string, maxLogFiles int, verbose bool) (*slog.Logger, string, error) {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}

	if maxLogFiles < 1 {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), "", nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := rotateLogs(logDir, maxLogFiles); err != nil {
		// Log rotation failure shouldn't prevent logging
		fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
	}

	name := fmt.Sprintf("limitwatch_%s.log", time.Now().Format("20060102_150405"))
	path := filepath.Join(logDir, name)

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}

	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), path, nil
}

// ParseLevel maps a config level string onto a slog level, defaulting
// to info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rotateLogs removes old log files if there are more than maxLogFiles
func rotateLogs(logDir string, maxLogFiles int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	type logFileInfo struct {
		path    string
		modTime time.Time
	}
	var logFiles []logFileInfo

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logFiles = append(logFiles, logFileInfo{
			path:    filepath.Join(logDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	if len(logFiles) < maxLogFiles {
		return nil
	}

	// Oldest first
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.Before(logFiles[j].modTime)
	})

	// Delete enough to make room for the new log
	numToDelete := len(logFiles) - maxLogFiles + 1
	for i := 0; i < numToDelete && i < len(logFiles); i++ {
		if err := os.Remove(logFiles[i].path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to delete old log file %s: %v\n", logFiles[i].path, err)
		}
	}

	return nil
}
