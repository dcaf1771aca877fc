// Package logging mirrors the standard logger into a file that the admin
// API can tail and clear.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// tailWindow caps how much of the file ReadTail scans.
const tailWindow = 4 << 20

type sink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

var active sink

// Init mirrors the standard logger to path in addition to stdout.
// An empty path keeps stdout-only logging.
func Init(path string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	active.mu.Lock()
	active.file, active.path = f, path
	active.mu.Unlock()

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// Close restores stdout logging.
func Close() error {
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.file == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := active.file.Close()
	active.file, active.path = nil, ""
	return err
}

// ReadTail returns up to the last n lines of the log file. It returns ""
// when file logging is off.
func ReadTail(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.path == "" {
		return "", nil
	}

	f, err := os.Open(active.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	buf, err := io.ReadAll(io.NewSectionReader(f, offset, info.Size()-offset))
	if err != nil {
		return "", fmt.Errorf("read log file: %w", err)
	}
	if offset > 0 {
		// drop the partial first line
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	buf = bytes.TrimRight(buf, "\n")
	if len(buf) == 0 {
		return "", nil
	}
	lines := bytes.Split(buf, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n"))), nil
}

// Clear truncates the active log file.
func Clear() error {
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.file == nil {
		return nil
	}
	if err := active.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := active.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}
