package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/maimai-sync/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "archive", "pages")
		store, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(base)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		dir := t.TempDir()
		// #nosec G302 -- read-only on purpose.
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

		_, err := local.New(local.Config{BaseDir: dir})
		require.ErrorContains(t, err, "not writable")
	})
}

func TestPutObject(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesNestedPage", func(t *testing.T) {
		p := "pages/job-1/type1-diff3.html"
		uri, err := store.PutObject(ctx, p, "text/html", strings.NewReader("<html>master</html>"))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(base, p), uri)

		// #nosec G304 -- reads back from the test temp dir.
		got, err := os.ReadFile(filepath.Join(base, p))
		require.NoError(t, err)
		require.Equal(t, "<html>master</html>", string(got))
	})

	t.Run("ReplacesAtomically", func(t *testing.T) {
		p := "results/job-1.json"
		_, err := store.PutObject(ctx, p, "application/json", strings.NewReader(`{"rating":1}`))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, p, "application/json", strings.NewReader(`{"rating":2}`))
		require.NoError(t, err)

		// #nosec G304 -- reads back from the test temp dir.
		got, err := os.ReadFile(filepath.Join(base, p))
		require.NoError(t, err)
		require.Equal(t, `{"rating":2}`, string(got))

		entries, err := os.ReadDir(filepath.Join(base, "results"))
		require.NoError(t, err)
		require.Len(t, entries, 1, "no partial files may be left behind")
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", strings.NewReader("data"))
		require.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "text/html", strings.NewReader("x"))
		require.ErrorContains(t, err, "traversal")
		_, statErr := os.Stat(filepath.Join(filepath.Dir(base), "escape.html"))
		require.True(t, os.IsNotExist(statErr))
	})
}
