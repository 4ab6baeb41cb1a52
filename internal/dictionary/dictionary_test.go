package dictionary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errKilled = errors.New("killed")

func genRecords(gen uint32, words int) []Record {
	out := make([]Record, 0, words)
	for w := 0; w < words; w++ {
		// every generation shares even words so merges interleave
		hash := uint64(w*2 + int(gen%2))
		out = append(out, Record{
			WordHash:     hash,
			PostingCount: uint32(w + 1),
			FirstOffset:  uint64(w * 100),
			LastOffset:   uint64(w*100 + 50),
		})
	}
	return out
}

func openDict(t *testing.T, dir string, opts Options) *Dictionary {
	t.Helper()
	d, err := Open(dir, opts, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func fill(t *testing.T, d *Dictionary, gens, words int) {
	t.Helper()
	for g := 1; g <= gens; g++ {
		require.NoError(t, d.AddTier(uint32(g), genRecords(uint32(g), words)))
	}
}

func dumpAll(t *testing.T, d *Dictionary, words int) map[uint64][]Record {
	t.Helper()
	out := make(map[uint64][]Record)
	for h := uint64(0); h < uint64(words*2+2); h++ {
		recs, err := d.Lookup(h)
		require.NoError(t, err)
		if len(recs) > 0 {
			out[h] = recs
		}
	}
	return out
}

func TestAddTierAndLookup(t *testing.T) {
	t.Parallel()
	d := openDict(t, t.TempDir(), Options{MergeThreshold: 4, MaxTiers: 8})
	fill(t, d, 3, 10)
	require.Equal(t, 3, d.TierCount())

	recs, err := d.Lookup(4)
	require.NoError(t, err)
	// hash 4 is word 2 of odd gens (2*2+1=5 no) and even gens (2*2+0=4)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(2), recs[0].Gen)
	require.Equal(t, uint32(3), recs[0].PostingCount)

	recs, err = d.Lookup(5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint32(1), recs[0].Gen)
	require.Equal(t, uint32(3), recs[1].Gen)

	// re-adding a covered generation is a no-op
	require.NoError(t, d.AddTier(2, genRecords(2, 10)))
	require.Equal(t, 3, d.TierCount())
}

func TestAddTierRefusesBeyondMax(t *testing.T) {
	t.Parallel()
	d := openDict(t, t.TempDir(), Options{MergeThreshold: 2, MaxTiers: 3})
	fill(t, d, 3, 4)
	require.True(t, d.NeedsMerge())
	require.ErrorIs(t, d.AddTier(4, genRecords(4, 4)), ErrTooManyTiers)

	require.NoError(t, d.MergeAllTiers(context.Background()))
	require.LessOrEqual(t, d.TierCount(), 2)
	require.NoError(t, d.AddTier(4, genRecords(4, 4)))
}

func TestMergePreservesRecordsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	const words = 50
	d := openDict(t, t.TempDir(), Options{MergeThreshold: 2, MaxTiers: 16, CheckpointEvery: 7})
	fill(t, d, 9, words)
	before := dumpAll(t, d, words)

	require.NoError(t, d.MergeAllTiers(context.Background()))
	require.LessOrEqual(t, d.TierCount(), 2)
	require.Equal(t, before, dumpAll(t, d, words))

	tiers := d.Tiers()
	require.NoError(t, d.MergeAllTiers(context.Background()))
	require.Equal(t, tiers, d.Tiers())

	require.NoError(t, d.ForceMerge(context.Background()))
	require.Equal(t, 1, d.TierCount())
	require.Equal(t, before, dumpAll(t, d, words))
	require.NoError(t, d.ForceMerge(context.Background()))
	require.Equal(t, 1, d.TierCount())
}

func TestMergeResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	const words = 40
	opts := Options{MergeThreshold: 1, MaxTiers: 16, CheckpointEvery: 5}

	reference := openDict(t, t.TempDir(), opts)
	fill(t, reference, 6, words)
	require.NoError(t, reference.MergeAllTiers(context.Background()))
	want := dumpAll(t, reference, words)
	wantTiers := reference.Tiers()

	dir := t.TempDir()
	d, err := Open(dir, opts, nil, zap.NewNop())
	require.NoError(t, err)
	fill(t, d, 6, words)
	calls := 0
	d.afterCheckpoint = func(int64) error {
		calls++
		if calls == 3 {
			return errKilled
		}
		return nil
	}
	require.ErrorIs(t, d.MergeAllTiers(context.Background()), errKilled)
	require.NoError(t, d.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "*"+partialExt))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	ckpt, ok := readCheckpoint(matches[0][:len(matches[0])-len(partialExt)] + checkpointExt)
	require.True(t, ok)
	require.Equal(t, int64(15), ckpt)

	restarted := openDict(t, dir, opts)
	var resumedFrom int64 = -1
	restarted.afterCheckpoint = func(n int64) error {
		if resumedFrom < 0 {
			resumedFrom = n
		}
		return nil
	}
	require.NoError(t, restarted.MergeAllTiers(context.Background()))
	require.Equal(t, int64(20), resumedFrom)
	require.Equal(t, wantTiers, restarted.Tiers())
	require.Equal(t, want, dumpAll(t, restarted, words))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+checkpointExt))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestOpenPrunesSubsumedTiers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := Open(dir, Options{MergeThreshold: 1, MaxTiers: 8}, nil, zap.NewNop())
	require.NoError(t, err)
	fill(t, d, 2, 5)
	require.NoError(t, d.Close())

	// simulate a crash after the merged tier was published but before its
	// inputs were removed
	var recs []Record
	for g := uint32(1); g <= 2; g++ {
		for _, r := range genRecords(g, 5) {
			r.Gen = g
			recs = append(recs, r)
		}
	}
	SortRecords(recs)
	require.NoError(t, WriteTier(filepath.Join(dir, TierName(1, 1, 2)), 1, 1, 2, recs))

	reopened := openDict(t, dir, Options{MergeThreshold: 1, MaxTiers: 8})
	require.Equal(t, []string{TierName(1, 1, 2)}, reopened.Tiers())
	_, err = os.Stat(filepath.Join(dir, TierName(0, 1, 1)))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenRejectsCorruptTier(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, TierName(0, 1, 1))
	require.NoError(t, WriteTier(path, 0, 1, 1, genRecords(1, 3)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(dir, Options{}, nil, zap.NewNop())
	require.ErrorIs(t, err, ErrCorruptTier)
}

func TestSaveWritesRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d := openDict(t, dir, Options{MergeThreshold: 4})
	fill(t, d, 2, 3)
	require.NoError(t, d.Save(testNow))

	root, err := ReadRoot(dir)
	require.NoError(t, err)
	require.Len(t, root.Tiers, 2)
	require.Equal(t, int64(6), root.Records)
	require.Equal(t, uint32(2), root.MaxGen)
}

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
