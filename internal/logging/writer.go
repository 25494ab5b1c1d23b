// Package logging builds the process logger from the logging config section.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/cacheproxy/internal/config"
)

// retention is the part of the logging section a file sink enforces. It can
// change on reload without reopening the file.
type retention struct {
	maxBytes int64
	backups  int
	maxAge   time.Duration
}

func retentionFrom(cfg config.LoggingConfig) retention {
	return retention{
		maxBytes: int64(cfg.MaxSizeMB) << 20,
		backups:  cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
	}
}

// fileSink appends log lines to cfg.Output. When a write would push the file
// past max_size_mb it is shifted to <output>.1, older backups move up by one,
// and backups beyond max_backups or older than max_age_days are removed.
type fileSink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	limits retention
	now    func() time.Time
}

func openFileSink(cfg config.LoggingConfig) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	s := &fileSink{path: cfg.Output, limits: retentionFrom(cfg), now: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log file: %w", err)
	}
	s.f, s.size = f, st.Size()
	return nil
}

func (s *fileSink) setRetention(r retention) {
	s.mu.Lock()
	s.limits = r
	s.mu.Unlock()
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	// An empty file always takes the line, however long it is.
	if s.limits.maxBytes > 0 && s.size > 0 && s.size+int64(len(p)) > s.limits.maxBytes {
		// A failed prune still leaves a fresh file to write to.
		if err := s.rotate(); err != nil && s.f == nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// rotate runs with mu held.
func (s *fileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	s.f = nil

	backups := s.backups()
	var errs []error
	// Shift from the highest index down so nothing is overwritten.
	for i := len(backups) - 1; i >= 0; i-- {
		n := backups[i]
		if s.limits.backups > 0 && n >= s.limits.backups {
			errs = append(errs, os.Remove(s.backupName(n)))
			continue
		}
		errs = append(errs, os.Rename(s.backupName(n), s.backupName(n+1)))
	}
	errs = append(errs, os.Rename(s.path, s.backupName(1)))
	s.expire()

	if err := s.open(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// expire removes backups whose last write is older than max_age_days.
func (s *fileSink) expire() {
	if s.limits.maxAge <= 0 {
		return
	}
	cutoff := s.now().Add(-s.limits.maxAge)
	for _, n := range s.backups() {
		name := s.backupName(n)
		if st, err := os.Stat(name); err == nil && st.ModTime().Before(cutoff) {
			os.Remove(name) //nolint:errcheck
		}
	}
}

// backups returns the indexes of existing <output>.<n> files, ascending.
func (s *fileSink) backups() []int {
	matches, _ := filepath.Glob(globEscape(s.path) + ".*")
	var out []int
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, s.path+"."))
		if err == nil && n > 0 {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

func (s *fileSink) backupName(n int) string {
	return s.path + "." + strconv.Itoa(n)
}

func globEscape(p string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(p)
}
