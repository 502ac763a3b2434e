package main

import (
	"archive/tar"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/courier/lib/config"
)

func TestSplitRoot(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantRoot string
		wantRel  string
	}{
		{"nats file", "nats/jetstream/meta.inf", "nats", "jetstream/meta.inf"},
		{"nats dir", "nats/", "nats", "."},
		{"ledger file", "ledger/ledger.db", "ledger", "ledger.db"},
		{"leading dot-slash", "./nats/file", "nats", "file"},
		{"leading slash", "/ledger/ledger.db-wal", "ledger", "ledger.db-wal"},
		{"escape attempt", "nats/../../etc/passwd", "nats", "etc/passwd"},
		{"unknown root", "other/file", "", ""},
		{"empty string", "", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRoot, gotRel := splitRoot(tt.input)
			if gotRoot != tt.wantRoot {
				t.Errorf("splitRoot(%q) root = %q, want %q", tt.input, gotRoot, tt.wantRoot)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitRoot(%q) rel = %q, want %q", tt.input, gotRel, tt.wantRel)
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
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		NATS:  config.NATSConfig{DataDir: filepath.Join(dir, "nats")},
		Store: config.StoreConfig{Path: filepath.Join(dir, "data", "courier.db")},
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func createBackup(t *testing.T, cfg *config.Config) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "backup.tar.zst")
	f, err := os.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	if _, err := writeBackup(tw, cfg); err != nil {
		t.Fatalf("backup: %v", err)
	}
	tw.Close()
	zw.Close()
	f.Close()
	return out
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := testConfig(t.TempDir())
	writeFile(t, filepath.Join(src.NATS.DataDir, "jetstream", "$G", "streams", "KV_courier_sessions", "meta.inf"), "stream")
	writeFile(t, filepath.Join(src.NATS.DataDir, "jetstream", "$G", "streams", "KV_courier_acks", "msgs", "1.blk"), "block")
	writeFile(t, src.Store.Path, "sqlite")
	writeFile(t, src.Store.Path+"-wal", "wal")

	archive := createBackup(t, src)

	roots, err := scanArchiveRoots(archive)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	slices.Sort(roots)
	if !slices.Equal(roots, []string{rootLedger, rootNATS}) {
		t.Errorf("unexpected roots %v", roots)
	}

	dst := testConfig(t.TempDir())
	dst.Store.Path = filepath.Join(filepath.Dir(dst.Store.Path), "renamed.db")
	n, err := restoreArchive(archive, dst, false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 files restored, got %d", n)
	}

	checks := map[string]string{
		filepath.Join(dst.NATS.DataDir, "jetstream", "$G", "streams", "KV_courier_sessions", "meta.inf"): "stream",
		filepath.Join(dst.NATS.DataDir, "jetstream", "$G", "streams", "KV_courier_acks", "msgs", "1.blk"):  "block",
		dst.Store.Path:          "sqlite",
		dst.Store.Path + "-wal": "wal",
	}
	for p, want := range checks {
		got, err := os.ReadFile(p)
		if err != nil {
			t.Errorf("read %s: %v", p, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s: got %q, want %q", p, got, want)
		}
	}
}

func TestRestoreRefusesExisting(t *testing.T) {
	src := testConfig(t.TempDir())
	writeFile(t, src.Store.Path, "sqlite")
	archive := createBackup(t, src)

	dst := testConfig(t.TempDir())
	writeFile(t, dst.Store.Path, "current")

	if _, err := restoreArchive(archive, dst, false); err == nil {
		t.Fatal("expected error for existing ledger")
	}
	if got, _ := os.ReadFile(dst.Store.Path); string(got) != "current" {
		t.Errorf("existing ledger modified: %q", got)
	}

	if _, err := restoreArchive(archive, dst, true); err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	if got, _ := os.ReadFile(dst.Store.Path); string(got) != "sqlite" {
		t.Errorf("expected ledger replaced, got %q", got)
	}
}

func TestBackupMissingData(t *testing.T) {
	cfg := testConfig(t.TempDir())
	archive := createBackup(t, cfg)

	roots, err := scanArchiveRoots(archive)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 0 {
		t.Errorf("expected empty archive, got %v", roots)
	}
}
