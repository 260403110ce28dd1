package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/buildcache/cache"
)

const testDF = cache.Fingerprint("aa5566778899aabbccddeeff00112233")

func TestDirectModeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t)

	work := t.TempDir()
	files := writeBuildOutputs(t, work, map[string][]byte{"object": []byte("obj")})
	require.NoError(t, c.Add(ctx, testPF, cache.Entry{FileIDs: []string{"object"}}, files, false))

	hdr := filepath.Join(work, "foo.h")
	require.NoError(t, os.WriteFile(hdr, []byte("#define N 1\n"), 0o644))
	rec, err := cache.NewDirectRecord(testPF, []string{hdr})
	require.NoError(t, err)
	require.NoError(t, c.AddDirect(ctx, testDF, rec))

	require.NoError(t, os.Remove(files["object"].Path))
	outcome, err := c.LookupDirect(ctx, testDF, files, cache.MaterializeOptions{})
	require.NoError(t, err)
	require.True(t, outcome.Hit)
	require.FileExists(t, files["object"].Path)
}

func TestDirectModeStaleAfterHeaderChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t)

	work := t.TempDir()
	files := writeBuildOutputs(t, work, map[string][]byte{"object": []byte("obj")})
	require.NoError(t, c.Add(ctx, testPF, cache.Entry{FileIDs: []string{"object"}}, files, false))

	hdr := filepath.Join(work, "foo.h")
	require.NoError(t, os.WriteFile(hdr, []byte("#define N 1\n"), 0o644))
	rec, err := cache.NewDirectRecord(testPF, []string{hdr})
	require.NoError(t, err)
	require.NoError(t, c.AddDirect(ctx, testDF, rec))

	// Touching the header's content invalidates the record even though the
	// preprocessor entry itself is still present.
	require.NoError(t, os.WriteFile(hdr, []byte("#define N 2\n"), 0o644))

	outcome, err := c.LookupDirect(ctx, testDF, files, cache.MaterializeOptions{})
	require.NoError(t, err)
	require.False(t, outcome.Hit)

	outcome, err = c.Lookup(ctx, testPF, files, cache.MaterializeOptions{})
	require.NoError(t, err)
	require.True(t, outcome.Hit, "preprocessor entry must survive a stale direct record")
}

func TestDirectModeMissWithoutRecord(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	outcome, err := c.LookupDirect(context.Background(), testDF, nil, cache.MaterializeOptions{})
	require.NoError(t, err)
	require.False(t, outcome.Hit)
}

func TestAddDirectSupersedes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t)

	rec1 := &cache.DirectRecord{PF: testPF}
	rec2 := &cache.DirectRecord{PF: testPF2}
	require.NoError(t, c.AddDirect(ctx, testDF, rec1))
	require.NoError(t, c.AddDirect(ctx, testDF, rec2))

	got, err := c.FetchDirect(ctx, testDF)
	require.NoError(t, err)
	require.Equal(t, testPF2, got.PF)
}

func TestStoreDirectReadOnly(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, WithReadOnly(true))
	err := c.StoreDirect(context.Background(), testDF, &cache.DirectRecord{PF: testPF})
	require.ErrorIs(t, err, cache.ErrReadOnly)
}

func TestTierPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newTestCache(t)
	dst := newTestCache(t)

	work := t.TempDir()
	files := writeBuildOutputs(t, work, map[string][]byte{"object": []byte("shared artifact")})
	entry := cache.Entry{FileIDs: []string{"object"}, Mode: cache.CompressAll, Stdout: []byte("hi\n")}
	require.NoError(t, src.Add(ctx, testPF, entry, files, false))

	payload, err := src.FetchEntry(ctx, testPF)
	require.NoError(t, err)
	require.NoError(t, dst.StoreEntry(ctx, testPF, payload))

	require.NoError(t, os.Remove(files["object"].Path))
	outcome, err := dst.Lookup(ctx, testPF, files, cache.MaterializeOptions{})
	require.NoError(t, err)
	require.True(t, outcome.Hit)

	restored, err := os.ReadFile(files["object"].Path)
	require.NoError(t, err)
	require.Equal(t, []byte("shared artifact"), restored)
	require.Equal(t, "hi\n", dst.stdout.String())
}

func TestFetchEntryMiss(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	_, err := c.FetchEntry(context.Background(), testPF)
	require.ErrorIs(t, err, cache.ErrMiss)
}
