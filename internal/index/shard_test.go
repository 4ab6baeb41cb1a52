package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distcrawl/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func summary(url, title, text string) protocol.Summary {
	return protocol.Summary{
		URL:         url,
		URLHash:     WordHash(url),
		Title:       title,
		Text:        text,
		ContentHash: "h-" + text,
		StatusCode:  200,
		FetchedAt:   t0,
	}
}

func TestShardRoundTrip(t *testing.T) {
	t.Parallel()
	o := newOpenShard(7)
	o.add(summary("https://a.example/", "Go crawler", "a crawler fetches pages"))
	o.add(summary("https://b.example/", "Gardening", "pages about plants and crawler bugs"))

	path := filepath.Join(t.TempDir(), ShardName(7))
	records, err := writeShard(path, o, t0)
	require.NoError(t, err)
	require.Len(t, records, len(o.Postings))

	s, err := OpenShard(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.Equal(t, uint32(7), s.Gen)
	require.Len(t, s.Docs, 2)
	require.Equal(t, records, s.Records())

	rec, ok := s.Find(WordHash("crawler"))
	require.True(t, ok)
	require.Equal(t, uint32(2), rec.PostingCount)
	postings, err := s.Postings(rec)
	require.NoError(t, err)
	require.Len(t, postings, 2)
	require.Equal(t, uint32(0), postings[0].Doc)
	require.Equal(t, uint32(2), postings[0].Freq)
	require.Equal(t, uint32(1), postings[0].TitleHits)
	require.Equal(t, []uint32{1, 2}, postings[0].Positions)
	require.Equal(t, uint32(1), postings[1].Doc)
	require.Equal(t, uint32(0), postings[1].TitleHits)

	_, ok = s.Find(WordHash("absent"))
	require.False(t, ok)
}

func TestOpenShardDetectsCorruption(t *testing.T) {
	t.Parallel()
	o := newOpenShard(1)
	o.add(summary("https://a.example/", "t", "some words here"))
	path := filepath.Join(t.TempDir(), ShardName(1))
	_, err := writeShard(path, o, t0)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = OpenShard(path)
	require.ErrorIs(t, err, ErrCorruptShard)
}
