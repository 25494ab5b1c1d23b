package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dskow/cacheproxy/internal/config"
)

// fill logs n entries of roughly 300KB each, so a 1MB file holds three.
func fill(t *testing.T, out *Output, n int) {
	t.Helper()
	pad := strings.Repeat("k", 300<<10)
	for i := range n {
		out.Logger.Warn("fill", "seq", i, "pad", pad)
	}
}

func fileConfig(path string, backups, ageDays int) config.LoggingConfig {
	return config.LoggingConfig{Level: "info", Output: path, MaxSizeMB: 1, MaxBackups: backups, MaxAgeDays: ageDays}
}

func backupsOf(t *testing.T, path string) []string {
	t.Helper()
	m, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func checkJSONLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, 1<<20)
	n := 0
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("%s line %d is not JSON: %v", path, n+1, err)
		}
		if entry["msg"] != "fill" {
			t.Errorf("%s line %d msg = %v", path, n+1, entry["msg"])
		}
		n++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return n
}

func TestFileOutput_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "proxy.log")
	out, err := New(fileConfig(path, 2, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer out.Close()

	fill(t, out, 12)

	got := backupsOf(t, path)
	if len(got) != 2 {
		t.Fatalf("backups = %v, want %s.1 and %s.2", got, path, path)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("%s.3 should have been pruned", path)
	}
	total := checkJSONLines(t, path)
	for _, b := range got {
		st, _ := os.Stat(b)
		if st.Size() > 1<<20 {
			t.Errorf("%s is %d bytes, over max_size_mb", b, st.Size())
		}
		total += checkJSONLines(t, b)
	}
	if total == 0 || total > 12 {
		t.Errorf("lines across files = %d", total)
	}
}

func TestFileOutput_NewestBackupIsFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	out, err := New(fileConfig(path, 0, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer out.Close()

	fill(t, out, 7)

	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read .1: %v", err)
	}
	second, err := os.ReadFile(path + ".2")
	if err != nil {
		t.Fatalf("read .2: %v", err)
	}
	if !strings.Contains(string(first), `"seq":5`) {
		t.Error(".1 should hold the most recently rotated entries")
	}
	if !strings.Contains(string(second), `"seq":0`) {
		t.Error(".2 should hold the oldest entries")
	}
}

func TestOutput_ApplyUpdatesRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	out, err := New(fileConfig(path, 1, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer out.Close()

	fill(t, out, 9)
	if got := backupsOf(t, path); len(got) != 1 {
		t.Fatalf("backups before reload = %v, want 1", got)
	}

	reloaded := fileConfig(path, 3, 0)
	reloaded.Level = "warn"
	if !out.Apply(reloaded) {
		t.Fatal("same file should apply in place")
	}
	fill(t, out, 12)
	if got := backupsOf(t, path); len(got) != 3 {
		t.Errorf("backups after reload = %v, want 3", got)
	}

	if out.Apply(fileConfig(path+".other", 3, 0)) {
		t.Error("moving the log file should report that a restart is needed")
	}
}

func TestFileOutput_ExpiresOldBackups(t *testing.T) {
	tests := []struct {
		name    string
		ageDays int
		kept    bool
	}{
		{"max age set", 1, false},
		{"max age zero", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "proxy.log")
			stale := path + ".1"
			if err := os.WriteFile(stale, []byte("{}\n"), 0o644); err != nil {
				t.Fatal(err)
			}
			past := time.Now().AddDate(0, 0, -30)
			if err := os.Chtimes(stale, past, past); err != nil {
				t.Fatal(err)
			}

			out, err := New(fileConfig(path, 0, tt.ageDays))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer out.Close()
			fill(t, out, 4)

			// The stale backup was shifted to .2 by the rotation.
			_, err = os.Stat(path + ".2")
			if kept := err == nil; kept != tt.kept {
				t.Errorf("stale backup kept = %v, want %v", kept, tt.kept)
			}
			if _, err := os.Stat(path + ".1"); err != nil {
				t.Errorf("fresh backup missing: %v", err)
			}
		})
	}
}

func TestFileOutput_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	if err := os.WriteFile(path, []byte(`{"msg":"fill"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := New(fileConfig(path, 1, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out.Logger.Warn("fill")
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if n := checkJSONLines(t, path); n != 2 {
		t.Errorf("lines = %d, want 2", n)
	}
}
