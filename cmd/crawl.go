package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/config"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/index"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
)

// controlRoles receive crawl parameter and stop messages.
var controlRoles = []string{scheduler.Role, index.Role}

// now is the CLI clock; tests pin it.
var now = time.Now

// newCrawlCmd groups the crawl control commands.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Start, update, stop or inspect the crawl",
	}
	cmd.AddCommand(newCrawlStartCmd(), newCrawlUpdateCmd(), newCrawlStopCmd(), newCrawlStatusCmd())
	return cmd
}

type jobFlags struct {
	seeds        []string
	order        string
	maxDepth     int
	robots       string
	repeat       time.Duration
	quotas       []string
	restrict     []string
	disallow     []string
	archiveCrawl int64
}

func (f *jobFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.seeds, "seed", nil, "seed URL (repeatable)")
	fs.StringVar(&f.order, "order", string(crawler.OrderPageImportance), "crawl order: PAGE_IMPORTANCE or BREADTH_FIRST")
	fs.IntVar(&f.maxDepth, "max-depth", 10, "maximum link depth from a seed")
	fs.StringVar(&f.robots, "robots", string(crawler.RobotsAlways), "robots policy: ALWAYS or IGNORE")
	fs.DurationVar(&f.repeat, "repeat", 0, "reseed interval; 0 seeds once")
	fs.StringSliceVar(&f.quotas, "quota", nil, "per-site hourly quota as pattern=count (repeatable)")
	fs.StringSliceVar(&f.restrict, "restrict", nil, "only crawl sites matching these patterns")
	fs.StringSliceVar(&f.disallow, "disallow", nil, "never crawl sites matching these patterns")
	fs.Int64Var(&f.archiveCrawl, "archive-crawl-time", 0, "replay the archive of this earlier crawl instead of fetching")
}

// apply copies the flags that were set onto job; with all set every flag
// applies, including defaults.
func (f *jobFlags) apply(fs *pflag.FlagSet, job *crawler.CrawlJob, all bool) error {
	set := func(name string) bool { return all || fs.Changed(name) }
	if set("seed") {
		job.Seeds = append([]string(nil), f.seeds...)
	}
	if set("order") {
		job.Order = crawler.CrawlOrder(strings.ToUpper(f.order))
	}
	if set("max-depth") {
		job.MaxDepth = f.maxDepth
	}
	if set("robots") {
		job.RobotsPolicy = crawler.RobotsPolicy(strings.ToUpper(f.robots))
	}
	if set("repeat") {
		job.RepeatSchedule = f.repeat
	}
	if set("quota") {
		quotas, err := parseQuotas(f.quotas)
		if err != nil {
			return err
		}
		job.QuotaSites = quotas
	}
	if set("restrict") {
		job.RestrictSites = append([]string(nil), f.restrict...)
	}
	if set("disallow") {
		job.DisallowedSites = append([]string(nil), f.disallow...)
	}
	if set("archive-crawl-time") {
		job.ArchiveCrawlTime = f.archiveCrawl
	}
	return validateJob(*job)
}

func parseQuotas(values []string) ([]crawler.QuotaSite, error) {
	out := make([]crawler.QuotaSite, 0, len(values))
	for _, v := range values {
		pattern, count, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("quota %q: want pattern=count", v)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("quota %q: count must be a non-negative integer", v)
		}
		out = append(out, crawler.QuotaSite{Pattern: strings.TrimSpace(pattern), QuotaPerHour: n})
	}
	return out, nil
}

func validateJob(job crawler.CrawlJob) error {
	if !job.Order.Valid() {
		return fmt.Errorf("unknown crawl order %q", job.Order)
	}
	if job.RobotsPolicy != crawler.RobotsAlways && job.RobotsPolicy != crawler.RobotsIgnore {
		return fmt.Errorf("unknown robots policy %q", job.RobotsPolicy)
	}
	if job.MaxDepth < 0 {
		return errors.New("max depth must be >= 0")
	}
	if len(job.Seeds) == 0 && job.ArchiveCrawlTime == 0 {
		return errors.New("a crawl needs at least one seed or an archive to replay")
	}
	for _, s := range job.Seeds {
		if _, err := crawler.NormalizeURL(s); err != nil {
			return fmt.Errorf("seed %q: %w", s, err)
		}
	}
	return nil
}

func newCrawlStartCmd() *cobra.Command {
	flags := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new crawl",
		Long: `Writes a new crawl job, tagged with the current Unix time as its crawl
time, and sends it to the scheduler and indexer. Fetchers pick it up on
their next crawl-time poll.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ts := now().UTC()
			job := crawler.CrawlJob{CrawlTime: ts.Unix(), ModifiedAt: ts}
			if err := flags.apply(cmd.Flags(), &job, true); err != nil {
				return err
			}
			if err := publishJob(a.Config(), job); err != nil {
				return err
			}
			if err := a.Registry().RecordCrawl(cmd.Context(), job); err != nil {
				a.Logger().Warn("record crawl failed", zap.Error(err))
			}
			a.Logger().Info("crawl started", zap.Int64("crawl_time", job.CrawlTime), zap.Int("seeds", len(job.Seeds)))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), job.CrawlTime)
			return err
		},
	}
	flags.register(cmd.Flags())
	return withServices(cmd, "cli")
}

func newCrawlUpdateCmd() *cobra.Command {
	flags := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change the parameters of the running crawl",
		Long: `Applies the given flags to the current crawl job and sends it as a newer
version. Unset flags keep their current values. Fetchers holding a batch
produced under the old parameters drop it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, ok, err := crawler.NewJobFile(a.Config().Paths.JobFile()).Read()
			if err != nil {
				return err
			}
			if !ok || job.CrawlTime == 0 {
				return errors.New("no crawl is running")
			}
			if err := flags.apply(cmd.Flags(), &job, false); err != nil {
				return err
			}
			ts := now().UTC()
			if !ts.After(job.ModifiedAt) {
				ts = job.ModifiedAt.Add(time.Nanosecond)
			}
			job.ModifiedAt = ts
			if err := publishJob(a.Config(), job); err != nil {
				return err
			}
			if err := a.Registry().RecordCrawl(cmd.Context(), job); err != nil {
				a.Logger().Warn("record crawl failed", zap.Error(err))
			}
			a.Logger().Info("crawl updated", zap.Int64("crawl_time", job.CrawlTime), zap.Time("modified_at", ts))
			return nil
		},
	}
	flags.register(cmd.Flags())
	return withServices(cmd, "cli")
}

// publishJob persists job and sends it to both control roles.
func publishJob(cfg config.Config, job crawler.CrawlJob) error {
	if err := crawler.NewJobFile(cfg.Paths.JobFile()).Write(job); err != nil {
		return err
	}
	return sendAll(cfg, messages.Message{Kind: messages.KindParams, Job: &job})
}

func sendAll(cfg config.Config, msg messages.Message) error {
	var errs []error
	for _, role := range controlRoles {
		if err := messages.NewMailbox(cfg.Paths.MailboxDir(role), nil).Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}

func newCrawlStopCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the scheduler and indexer to flush and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if err := sendAll(cfg, messages.Message{Kind: messages.KindStop}); err != nil {
				return err
			}
			if wait <= 0 {
				return nil
			}
			board := messages.NewStatusBoard(cfg.Paths.StatusDir())
			for _, role := range controlRoles {
				if !board.WaitFor(cmd.Context(), role, messages.StatusFlushed, wait, 100*time.Millisecond) {
					return fmt.Errorf("%s did not flush within %s", role, wait)
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "flushed")
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for both roles to report flushed")
	return cmd
}

type crawlStatus struct {
	Job   *crawler.CrawlJob `json:"job,omitempty"`
	Roles map[string]string `json:"roles"`
}

func newCrawlStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current crawl job and role status as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			out := crawlStatus{Roles: map[string]string{}}
			job, ok, err := crawler.NewJobFile(cfg.Paths.JobFile()).Read()
			if err != nil {
				return err
			}
			if ok {
				out.Job = &job
			}
			board := messages.NewStatusBoard(cfg.Paths.StatusDir())
			for _, role := range controlRoles {
				status, err := board.Get(role)
				if err != nil {
					return err
				}
				out.Roles[role] = status
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}
