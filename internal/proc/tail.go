package proc

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// TailFile follows a log file from its current end, invoking out for
// every new line until ctx is cancelled. The file is expected to grow
// append-only, the way session and supervisor logs do.
func TailFile(ctx context.Context, path string, out func(line string)) error {
	file, err := os.Open(path)
	if err != nil {
		return domain.E(domain.ErrProcess, "tail "+path, err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return domain.E(domain.ErrProcess, "tail "+path, err)
	}

	buf := make([]byte, 0, 64*1024)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(buf, 1024*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if scanner.Scan() {
				out(scanner.Text())
			} else {
				// No new data, wait a bit
				time.Sleep(100 * time.Millisecond)
				// Refresh scanner to pick up new data
				scanner = bufio.NewScanner(file)
				scanner.Buffer(buf, 1024*1024)
			}
		}
	}
}

// ReadLastLines returns up to n trailing lines of a file
func ReadLastLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, domain.E(domain.ErrProcess, "read "+path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.E(domain.ErrProcess, "read "+path, err)
	}
	return lines, nil
}
