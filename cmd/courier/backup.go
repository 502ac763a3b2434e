package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/courier/lib/config"
	"github.com/spf13/pflag"
)

// Archive roots. Every entry lives under one of them.
const (
	rootNATS   = "nats"
	rootLedger = "ledger"
)

// The ledger is archived under a fixed name and restored to whatever path
// the config gives it. sqlite keeps uncheckpointed pages next to the file.
const ledgerName = "ledger.db"

var ledgerSuffixes = []string{"", "-wal", "-shm"}

func runBackup(args []string) error {
	flags := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	outputPath := flags.StringP("file", "f", "", "output archive (.tar.zst)")
	cfgPath := flags.StringP("config", "c", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: courier backup -f <output.tar.zst> [--config path]\n")
		return fmt.Errorf("missing -f flag")
	}
	cfg, err := loadConfigFile(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(*outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files, err := writeBackup(tw, cfg)
	if err != nil {
		return err
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, _ := os.Stat(*outputPath); info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeBackup archives the backend data dir and the ledger. The server
// should be stopped so the files are consistent.
func writeBackup(tw *tar.Writer, cfg *config.Config) (int, error) {
	files := 0

	if _, err := os.Stat(cfg.NATS.DataDir); err == nil {
		slog.Info("backing up nats data", "dir", cfg.NATS.DataDir)
		n, err := addDir(tw, cfg.NATS.DataDir, rootNATS)
		if err != nil {
			return 0, fmt.Errorf("backup nats data: %w", err)
		}
		files += n
	} else {
		slog.Warn("nats data dir not found, skipping", "dir", cfg.NATS.DataDir)
	}

	for _, suffix := range ledgerSuffixes {
		src := cfg.Store.Path + suffix
		info, err := os.Stat(src)
		if err != nil {
			continue
		}
		name := path.Join(rootLedger, ledgerName+suffix)
		if err := addFile(tw, src, name, info); err != nil {
			return 0, fmt.Errorf("backup ledger: %w", err)
		}
		files++
	}
	return files, nil
}

func addDir(tw *tar.Writer, dir, root string) (int, error) {
	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(root, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files++
		return addFile(tw, p, name, info)
	})
	return files, err
}

func addFile(tw *tar.Writer, src, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	flags := pflag.NewFlagSet("restore", pflag.ContinueOnError)
	inputPath := flags.StringP("file", "f", "", "archive to restore (.tar.zst)")
	overwrite := flags.Bool("overwrite", false, "replace existing data")
	cfgPath := flags.StringP("config", "c", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: courier restore -f <backup.tar.zst> [--overwrite] [--config path]\n")
		return fmt.Errorf("missing -f flag")
	}
	cfg, err := loadConfigFile(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	roots, err := scanArchiveRoots(*inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(roots) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	n, err := restoreArchive(*inputPath, cfg, *overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

func restoreArchive(inputPath string, cfg *config.Config, overwrite bool) (int, error) {
	if !overwrite {
		if entries, err := os.ReadDir(cfg.NATS.DataDir); err == nil && len(entries) > 0 {
			return 0, fmt.Errorf("nats data dir %s is not empty, add --overwrite to replace files", cfg.NATS.DataDir)
		}
		if _, err := os.Stat(cfg.Store.Path); err == nil {
			return 0, fmt.Errorf("ledger %s already exists, add --overwrite to replace it", cfg.Store.Path)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}

		root, rel := splitRoot(hdr.Name)
		var dst string
		switch root {
		case rootNATS:
			dst = filepath.Join(cfg.NATS.DataDir, filepath.FromSlash(rel))
		case rootLedger:
			suffix, ok := strings.CutPrefix(rel, ledgerName)
			if !ok || !slices.Contains(ledgerSuffixes, suffix) {
				continue
			}
			dst = cfg.Store.Path + suffix
		default:
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return restored, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return restored, err
			}
			out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return restored, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return restored, fmt.Errorf("write %s: %w", dst, err)
			}
			if err := out.Close(); err != nil {
				return restored, err
			}
			restored++
		}
	}
	return restored, nil
}

// scanArchiveRoots reads tar headers to collect the roots present without
// extracting file data.
func scanArchiveRoots(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	var roots []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		root, _ := splitRoot(hdr.Name)
		if root != "" && !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots, nil
}

// splitRoot splits "nats/jetstream/file" into ("nats", "jetstream/file").
// Unknown roots and paths escaping their root return an empty root.
func splitRoot(name string) (root, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	root, rel, _ = strings.Cut(name, "/")
	if root != rootNATS && root != rootLedger {
		return "", ""
	}
	rel = path.Clean("/" + rel)[1:]
	if rel == "" {
		rel = "."
	}
	return root, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
