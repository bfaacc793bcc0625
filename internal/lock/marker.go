package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxMarkerStem = 64

// MarkerName normalises a resource identifier into a filesystem-safe marker
// file name. Equivalent paths ("a/./b" and "a/b") map to the same marker.
func MarkerName(resource string) string {
	clean := strings.TrimSpace(resource)
	if clean != "" {
		clean = filepath.ToSlash(filepath.Clean(clean))
	}
	sum := sha256.Sum256([]byte(clean))

	var b strings.Builder
	for _, r := range clean {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	stem := strings.Trim(b.String(), "._")
	if len(stem) > maxMarkerStem {
		stem = stem[len(stem)-maxMarkerStem:]
	}
	if stem == "" {
		stem = "resource"
	}
	return stem + "-" + hex.EncodeToString(sum[:4]) + ".lock"
}

// claim creates the marker at path holding token. A marker older than stale
// is moved aside and the claim retried once; a marker that turns out to be
// fresh after the move is put back.
func claim(path, token string, stale time.Duration, now func() time.Time) error {
	err := create(path, token)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return create(path, token)
	}
	if err != nil {
		return fmt.Errorf("stat marker: %w", err)
	}
	if now().Sub(info.ModTime()) < stale {
		return errContended
	}

	tomb := path + ".stale-" + token
	if err := os.Rename(path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return create(path, token)
		}
		return fmt.Errorf("reclaim marker: %w", err)
	}
	if info, err := os.Stat(tomb); err == nil && now().Sub(info.ModTime()) < stale {
		// Another process refreshed or re-created the marker between our
		// stat and rename.
		_ = os.Link(tomb, path)
		_ = os.Remove(tomb)
		return errContended
	}
	_ = os.Remove(tomb)
	return create(path, token)
}

func create(path, token string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("create marker: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%s %d\n", token, os.Getpid())
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write marker: %w", werr)
	}
	if cerr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close marker: %w", cerr)
	}
	return nil
}

// owns reports whether the marker at path still carries token.
func owns(path, token string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	owner, _, _ := strings.Cut(strings.TrimSpace(string(raw)), " ")
	return owner == token
}
