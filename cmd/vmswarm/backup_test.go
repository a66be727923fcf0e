package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"vmswarm.db":         "sqlite bytes",
		"keys/vm-1":          "-----BEGIN KEY-----",
		"nats/jetstream/x":   "stream state",
		"active-target.json": `{"activeVmId":"vm-1"}`,
	}
	writeTree(t, src, files)

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive, "-data", src}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := t.TempDir()
	if err := runRestore([]string{"-f", archive, "-data", dst}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for rel, want := range files {
		data, err := os.ReadFile(filepath.Join(dst, rel))
		if err != nil {
			t.Errorf("restored file %s: %v", rel, err)
			continue
		}
		if string(data) != want {
			t.Errorf("restored %s = %q, want %q", rel, data, want)
		}
	}
}

func TestRestoreRefusesNonEmptyDir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"vmswarm.db": "x"})

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", archive, "-data", src}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := t.TempDir()
	writeTree(t, dst, map[string]string{"existing.txt": "keep me"})

	if err := runRestore([]string{"-f", archive, "-data", dst}); err == nil {
		t.Fatal("expected refusal on non-empty data dir")
	}

	if err := runRestore([]string{"-f", archive, "-data", dst, "-overwrite"}); err != nil {
		t.Fatalf("restore with -overwrite: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "vmswarm.db")); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
}

func TestBackupRequiresOutputFlag(t *testing.T) {
	if err := runBackup(nil); err == nil {
		t.Error("expected error without -f")
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain file", "vmswarm.db", false},
		{"nested", "keys/vm-1", false},
		{"traversal", "../outside", true},
		{"deep traversal", "keys/../../outside", true},
		{"absolute", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := safeJoin("/srv/data", tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("safeJoin(%q) error = %v, wantErr %v", tt.entry, err, tt.wantErr)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
