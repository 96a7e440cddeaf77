package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

type leaseRecord struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// Lease keeps one "<dir>/<key>.lease" file per held document. The file is
// published with a hard link, so it either exists with its full content or
// not at all.
type Lease struct {
	dir string
	now func() time.Time
}

// NewLease creates dir if needed.
func NewLease(dir string) (*Lease, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, shared.WrapError("file", "NewLease", shared.ErrStorage, "create "+dir, err)
	}
	return &Lease{dir: dir, now: time.Now}, nil
}

func (l *Lease) path(op, key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", shared.Errorf("file", op, shared.ErrInvalidInput, "bad lease key %q", key)
	}
	return filepath.Join(l.dir, key+".lease"), nil
}

// TryAcquire claims key for holder unless a live lease of another holder
// exists. An expired lease is taken over.
func (l *Lease) TryAcquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	path, err := l.path("TryAcquire", key)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.publish(path, leaseRecord{Holder: holder, Expires: l.now().Add(ttl)})
		if err != nil || ok {
			return ok, err
		}

		cur, err := readLease(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "read "+path, err)
		case cur.Holder == holder:
			return true, nil
		case l.now().Before(cur.Expires):
			return false, nil
		}
		if err := l.evict(path, cur); err != nil {
			return false, err
		}
	}
	return false, nil
}

// publish writes rec to a temporary file and links it to path. Linking fails
// when path exists, which makes the claim exclusive.
func (l *Lease) publish(path string, rec leaseRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "encode lease", err)
	}
	tmp, err := os.CreateTemp(l.dir, ".iron-lease-*")
	if err != nil {
		return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "create tmp", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "write tmp", err)
	}
	if err := tmp.Close(); err != nil {
		return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "close tmp", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, shared.WrapError("file", "TryAcquire", shared.ErrStorage, "link "+path, err)
	}
	return true, nil
}

// evict moves an expired lease aside. If another process replaced it in the
// meantime, the fresh lease is linked back.
func (l *Lease) evict(path string, stale leaseRecord) error {
	aside := path + ".stale-" + stale.Holder
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return shared.WrapError("file", "TryAcquire", shared.ErrStorage, "evict "+path, err)
	}
	defer os.Remove(aside)

	moved, err := readLease(aside)
	if err == nil && moved.Holder != stale.Holder {
		_ = os.Link(aside, path)
	}
	return nil
}

// Release removes the lease if holder still owns it.
func (l *Lease) Release(_ context.Context, key, holder string) error {
	path, err := l.path("Release", key)
	if err != nil {
		return err
	}
	cur, err := readLease(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return shared.WrapError("file", "Release", shared.ErrStorage, "read "+path, err)
	}
	if cur.Holder != holder {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return shared.WrapError("file", "Release", shared.ErrStorage, "remove "+path, err)
	}
	return nil
}

func readLease(path string) (leaseRecord, error) {
	var rec leaseRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	// An unreadable record is treated as expired.
	_ = json.Unmarshal(data, &rec)
	return rec, nil
}
