package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/index"
)

// newInspectCmd reads shard and tier files without a running coordinator.
func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the contents of sealed shards and dictionary tiers",
	}
	cmd.AddCommand(newInspectTierCmd(), newInspectShardCmd())
	return cmd
}

type tierSummary struct {
	Path     string              `json:"path"`
	Level    int                 `json:"level"`
	FirstGen uint32              `json:"first_gen"`
	LastGen  uint32              `json:"last_gen"`
	Count    int64               `json:"count"`
	Records  []dictionary.Record `json:"records,omitempty"`
}

func newInspectTierCmd() *cobra.Command {
	var (
		word  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "tier <path>",
		Short: "Validate a tier file and print its header and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := dictionary.OpenTier(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = tier.Close() }()

			out := tierSummary{
				Path:     tier.Path,
				Level:    tier.Level,
				FirstGen: tier.FirstGen,
				LastGen:  tier.LastGen,
				Count:    tier.Count,
			}
			if word != "" {
				hash, ok := index.QueryHash(word)
				if !ok {
					return fmt.Errorf("%q has no indexable term", word)
				}
				if out.Records, err = tier.Lookup(hash); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			reader := tier.Records()
			for limit <= 0 || len(out.Records) < limit {
				rec, err := reader.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				out.Records = append(out.Records, rec)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&word, "word", "", "only print the records of this word")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to print; 0 prints all")
	return cmd
}

type shardHit struct {
	URL     string        `json:"url"`
	Title   string        `json:"title,omitempty"`
	Posting index.Posting `json:"posting"`
}

type shardSummary struct {
	Path      string      `json:"path"`
	Gen       uint32      `json:"gen"`
	CreatedAt time.Time   `json:"created_at"`
	DocCount  int         `json:"doc_count"`
	Words     int         `json:"words"`
	Docs      []index.Doc `json:"docs,omitempty"`
	Hits      []shardHit  `json:"hits,omitempty"`
}

func newInspectShardCmd() *cobra.Command {
	var (
		word  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "shard <path>",
		Short: "Validate a shard file and print its documents or one word's postings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shard, err := index.OpenShard(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = shard.Close() }()

			out := shardSummary{
				Path:      shard.Path,
				Gen:       shard.Gen,
				CreatedAt: shard.CreatedAt,
				DocCount:  len(shard.Docs),
				Words:     len(shard.Records()),
			}
			if word == "" {
				docs := shard.Docs
				if limit > 0 && len(docs) > limit {
					docs = docs[:limit]
				}
				out.Docs = docs
				return writeJSON(cmd.OutOrStdout(), out)
			}

			hash, ok := index.QueryHash(word)
			if !ok {
				return fmt.Errorf("%q has no indexable term", word)
			}
			rec, found := shard.Find(hash)
			if !found {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			postings, err := shard.Postings(rec)
			if err != nil {
				return err
			}
			for _, p := range postings {
				if limit > 0 && len(out.Hits) >= limit {
					break
				}
				hit := shardHit{Posting: p}
				if int(p.Doc) < len(shard.Docs) {
					hit.URL = shard.Docs[p.Doc].URL
					hit.Title = shard.Docs[p.Doc].Title
				}
				out.Hits = append(out.Hits, hit)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&word, "word", "", "print the postings of this word instead of the documents")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum documents or postings to print; 0 prints all")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
