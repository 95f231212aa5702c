package backup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ndlib/vaultkeep/vaulterr"
)

// Enumerator walks a source tree emitting SourceEntry values, in the
// manner of fileutil.FileList's walk-and-checksum pass, generalized from
// a flat path->checksum map into a streaming channel of SourceEntry (no
// hashing happens here — that is the stream splitter's job).
type Enumerator struct {
	cfg Config
}

// NewEnumerator returns an Enumerator for the given configuration.
func NewEnumerator(cfg Config) *Enumerator {
	return &Enumerator{cfg: cfg}
}

// Run walks cfg.Root and sends one SourceEntry per file, folder, or
// symlink to out. It closes out when the walk finishes or stop is closed. The blacklist is checked before descending into a
// directory, so an excluded directory's contents are never visited.
func (e *Enumerator) Run(stop <-chan struct{}, out chan<- SourceEntry) error {
	defer close(out)

	return filepath.Walk(e.cfg.Root, func(path string, info os.FileInfo, err error) error {
		select {
		case <-stop:
			return errCancelled
		default:
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(e.cfg.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if e.blacklisted(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry := SourceEntry{
			Path:    rel,
			AbsPath: path,
			ModTime: info.ModTime(),
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if e.cfg.SymlinkPolicy == SymlinkIgnore {
				return nil
			}
			entry.Kind = KindSymlink
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry.LinkTarget = target
			if e.cfg.SymlinkPolicy == SymlinkFollow {
				fi, err := os.Stat(path)
				if err == nil && fi.IsDir() {
					return nil // followed dirs are walked natively by filepath.Walk only for real dirs
				}
			}
		case info.IsDir():
			entry.Kind = KindFolder
		default:
			entry.Kind = KindFile
			entry.Size = info.Size()
			if e.cfg.MaxFileSize > 0 && entry.Size > e.cfg.MaxFileSize {
				return nil
			}
			setInode(&entry, info)
		}

		select {
		case out <- entry:
		case <-stop:
			return errCancelled
		}
		return nil
	})
}

func (e *Enumerator) blacklisted(rel string) bool {
	patterns := append(append([]string(nil), DefaultBlacklist...), e.cfg.Blacklist...)
	base := filepath.Base(rel)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(pat, "*")) && strings.HasSuffix(pat, "*") {
			return true
		}
	}
	return false
}

var errCancelled = vaulterr.New("backup.Enumerator", vaulterr.Cancelled, nil)
