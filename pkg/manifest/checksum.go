package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

const checksumPrefix = "sha256:"

func parseChecksum(s string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.ToLower(s), checksumPrefix)
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("want %d bytes, got %d", sha256.Size, len(b))
	}
	return b, nil
}

// Checksum returns the "sha256:<hex>" digest of a module binary.
func Checksum(binary []byte) string {
	sum := sha256.Sum256(binary)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyChecksum compares binary against the manifest checksum. Manifests
// without a checksum accept any binary.
func (m Manifest) VerifyChecksum(binary []byte) error {
	if m.Checksum == "" {
		return nil
	}
	want, err := parseChecksum(m.Checksum)
	if err != nil {
		return kerr.New(kerr.ManifestInvalid, "manifest.VerifyChecksum", "%v", err)
	}
	got := sha256.Sum256(binary)
	if string(got[:]) != string(want) {
		return kerr.New(kerr.ChecksumMismatch, "manifest.VerifyChecksum", "%s: binary is %s", m.ModuleID, Checksum(binary))
	}
	return nil
}
