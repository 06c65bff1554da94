// Package snapshot persists kernel snapshots by name. A stored snapshot
// carries its digest, which Load checks after restoring.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
)

var ErrNotFound = errors.New("snapshot: not found")

// ErrDigestMismatch means the stored kernel does not hash to the digest
// recorded with it.
var ErrDigestMismatch = errors.New("snapshot: digest mismatch")

// Store keeps opaque snapshot documents by name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func checkName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("snapshot: invalid name %q", name)
	}
	return nil
}

type document struct {
	Digest string          `json:"digest"`
	At     int64           `json:"at"`
	Kernel json.RawMessage `json:"kernel"`
}

// Save stores k under name and returns its digest.
func Save(ctx context.Context, s Store, name string, k kernel.Kernel, at int64) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	data, err := k.Snapshot()
	if err != nil {
		return "", err
	}
	digest, err := k.Digest()
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(document{Digest: digest, At: at, Kernel: data})
	if err != nil {
		return "", err
	}
	return digest, s.Put(ctx, name, doc)
}

// Load restores the kernel stored under name. Handlers must be rebound.
func Load(ctx context.Context, s Store, name string) (kernel.Kernel, error) {
	if err := checkName(name); err != nil {
		return kernel.Kernel{}, err
	}
	raw, err := s.Get(ctx, name)
	if err != nil {
		return kernel.Kernel{}, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return kernel.Kernel{}, fmt.Errorf("snapshot: %s: %w", name, err)
	}
	k, err := kernel.Restore(doc.Kernel)
	if err != nil {
		return kernel.Kernel{}, err
	}
	got, err := k.Digest()
	if err != nil {
		return kernel.Kernel{}, err
	}
	if got != doc.Digest {
		return kernel.Kernel{}, fmt.Errorf("%w: %s has %s, recorded %s", ErrDigestMismatch, name, got, doc.Digest)
	}
	return k, nil
}
