package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	digest, err := s.Put(ctx, emptyModule)
	require.NoError(t, err)
	assert.Equal(t, manifest.Checksum(emptyModule), digest)

	again, err := s.Put(ctx, emptyModule)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, emptyModule, got)

	require.NoError(t, s.Delete(ctx, digest))
	require.NoError(t, s.Delete(ctx, digest))
	_, err = s.Get(ctx, digest)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"md5:abc", "sha256:zz", "sha256:abcd"} {
		_, err := s.Get(ctx, bad)
		assert.Error(t, err, bad)
	}
}

func TestFetchVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	digest, err := s.Put(ctx, emptyModule)
	require.NoError(t, err)

	m := manifest.Manifest{ModuleID: "accrual-engine", Checksum: digest}
	bin, err := Fetch(ctx, s, m)
	require.NoError(t, err)
	assert.Equal(t, emptyModule, bin)

	// A blob file edited on disk no longer matches its name.
	name, _ := blobName(digest)
	require.NoError(t, writeFile(filepath.Join(s.baseDir, name), []byte("\x00asm\x02\x00\x00\x00")))
	_, err = Fetch(ctx, s, m)
	assert.ErrorIs(t, err, kerr.ErrChecksumMismatch)

	_, err = Fetch(ctx, s, manifest.Manifest{ModuleID: "x"})
	assert.ErrorIs(t, err, kerr.ErrManifestInvalid)
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(context.Background(), Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "got %T", s)
	assert.Equal(t, dir, fs.baseDir)

	_, err = NewStore(context.Background(), Config{Backend: BackendS3})
	assert.ErrorContains(t, err, "bucket")

	_, err = NewStore(context.Background(), Config{Backend: "ftp"})
	assert.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ESTA_ARTIFACT_BACKEND", "s3")
	t.Setenv("ESTA_DATA_DIR", "/var/lib/esta")
	t.Setenv("ESTA_ARTIFACT_S3_BUCKET", "modules")
	t.Setenv("ESTA_ARTIFACT_S3_REGION", "")
	t.Setenv("AWS_REGION", "us-west-2")

	cfg := ConfigFromEnv()
	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, filepath.Join("/var/lib/esta", "artifacts"), cfg.Dir)
	assert.Equal(t, "modules", cfg.S3.Bucket)
	assert.Equal(t, "us-west-2", cfg.S3.Region)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
