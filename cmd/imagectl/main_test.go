package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/repo/blob"
	"github.com/mkrupp/resizecache/internal/svc/imagesvc"
)

func TestRun_DeriveOnly(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"--derive-only", "cat.png", "500x500", "3x12", "23x1"}, &stdout, &stderr)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, imagesvc.DeriveKeyLegacy("cat.png", domain.NewTransformSpec(500, 500)).String(), lines[0])
	assert.Equal(t, lines[1], lines[2], "legacy keys collide on digit boundaries")

	stdout.Reset()

	err = run(context.Background(),
		[]string{"--derive-only", "--key-encoding", "delimited", "cat.png", "3x12", "23x1"}, &stdout, &stderr)
	require.NoError(t, err)

	lines = strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotEqual(t, lines[0], lines[1])
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	for _, args := range [][]string{{}, {"cat.png"}, {"--derive-only", "cat.png"}} {
		stderr.Reset()

		require.ErrorIs(t, run(context.Background(), args, &stdout, &stderr), errUsage)
		assert.Contains(t, stderr.String(), "Usage: imagectl [flags] SOURCE_ID WxH...")
		assert.Contains(t, stderr.String(), "--derive-only")
	}

	stderr.Reset()
	require.ErrorIs(t, run(context.Background(), []string{"--help"}, &stdout, &stderr), pflag.ErrHelp)
	assert.Contains(t, stderr.String(), "Usage: imagectl")

	require.ErrorIs(t, run(context.Background(), []string{"--derive-only", "cat.png", "0x1"}, &stdout, &stderr),
		domain.ErrInvalidTransformSpec)
	require.ErrorIs(t, run(context.Background(),
		[]string{"--derive-only", "--key-encoding", "md5", "cat.png", "1x1"}, &stdout, &stderr),
		imagesvc.ErrUnknownKeyEncoding)
	require.Error(t, run(context.Background(), []string{"--no-such-flag"}, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

func TestRun_Process(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")

	doc := "api_key = \"secret\"\nraw_bucket = \"raw\"\ntransformed_bucket = \"derived\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ctltest.toml"), []byte(doc), 0o600))

	var raw bytes.Buffer
	require.NoError(t, png.Encode(&raw, image.NewGray(image.Rect(0, 0, 20, 20))))

	rawRepo, err := blob.NewFileSystemBlobRepository(context.Background(), "raw",
		blob.FileSystemBlobRepositoryConfig{Basedir: blobDir})
	require.NoError(t, err)
	require.NoError(t, rawRepo.Store(context.Background(), domain.NewBlob("cat.png", raw.Bytes(), domain.ContentTypePNG)))

	args := []string{
		"--app", "ctltest",
		"--config-path", dir,
		"--blob-dir", blobDir,
		"--index-db", filepath.Join(dir, "index.db"),
		"cat.png", "10x5",
	}

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), args, &stdout, &stderr), stderr.String())

	key := domain.ContentKey(strings.TrimSpace(stdout.String()))
	assert.Equal(t, imagesvc.DeriveKeyLegacy("cat.png", domain.NewTransformSpec(10, 5)), key)

	derivedRepo, err := blob.NewFileSystemBlobRepository(context.Background(), "derived",
		blob.FileSystemBlobRepositoryConfig{Basedir: blobDir})
	require.NoError(t, err)

	derived, err := derivedRepo.Fetch(context.Background(), key.BlobKey())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(derived.Body))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 5), img.Bounds())

	// a second run finds the cached image
	stdout.Reset()
	require.NoError(t, run(context.Background(), args, &stdout, &stderr))
	assert.Equal(t, key.String(), strings.TrimSpace(stdout.String()))

	args[len(args)-2] = "ghost.png"
	require.ErrorIs(t, run(context.Background(), args, &stdout, &stderr), domain.ErrBlobNotFound)
}
