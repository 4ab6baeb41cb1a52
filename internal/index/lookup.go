package index

import (
	"sort"

	"github.com/JakeFAU/distcrawl/internal/dictionary"
)

// Hit is one document containing a looked-up word.
type Hit struct {
	Gen       uint32
	URL       string
	Title     string
	Freq      uint32
	TitleHits uint32
	Positions []uint32
}

// Lookup returns every document containing word: merged generations through
// the dictionary, sealed generations not yet promoted through their shard,
// and the open generation from memory. Hits are ordered by generation, then
// document.
func (b *Builder) Lookup(word string) ([]Hit, error) {
	hash, ok := QueryHash(word)
	if !ok {
		return nil, nil
	}
	records, err := b.dict.Lookup(hash)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	covered := make(map[uint32]bool, len(records))
	for _, rec := range records {
		covered[rec.Gen] = true
	}
	for _, g := range b.manifest.Generations {
		if g.State != StateSealed || covered[g.ID] {
			continue
		}
		shard, err := b.shardLocked(g.ID)
		if err != nil {
			return nil, err
		}
		if rec, found := shard.Find(hash); found {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Gen < records[j].Gen })

	var hits []Hit
	for _, rec := range records {
		more, err := b.hitsLocked(rec)
		if err != nil {
			return nil, err
		}
		hits = append(hits, more...)
	}
	for _, p := range b.open.Postings[hash] {
		doc := b.open.Docs[p.Doc]
		hits = append(hits, Hit{
			Gen: b.open.Gen, URL: doc.URL, Title: doc.Title,
			Freq: p.Freq, TitleHits: p.TitleHits, Positions: p.Positions,
		})
	}
	return hits, nil
}

func (b *Builder) hitsLocked(rec dictionary.Record) ([]Hit, error) {
	shard, err := b.shardLocked(rec.Gen)
	if err != nil {
		return nil, err
	}
	postings, err := shard.Postings(rec)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(postings))
	for _, p := range postings {
		if int(p.Doc) >= len(shard.Docs) {
			return nil, ErrCorruptShard
		}
		doc := shard.Docs[p.Doc]
		out = append(out, Hit{
			Gen: rec.Gen, URL: doc.URL, Title: doc.Title,
			Freq: p.Freq, TitleHits: p.TitleHits, Positions: p.Positions,
		})
	}
	return out, nil
}
