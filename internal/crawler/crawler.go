// Package crawler drives the paging loop: it fetches pages one at a time,
// normalizes each record and checkpoints accumulated records as chunk files.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/metrics"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/upstream"
	"go.uber.org/zap"
)

var (
	errMissingFetcher   = errors.New("crawler: page fetcher is required")
	errMissingNormalize = errors.New("crawler: normalize function is required")
	errInvalidPageSize  = errors.New("crawler: page size must be at least 1")
	errUnknownExtent    = errors.New("crawler: total count unknown after a failed page")
)

const (
	triggerInterval = "interval"
	triggerFinal    = "final"
	triggerSalvage  = "salvage"
)

// PageFetcher fetches one page of raw records.
type PageFetcher interface {
	FetchPage(ctx context.Context, query string, pageNumber, pageSize int) (upstream.Page, error)
}

// Checkpointer persists numbered chunks. *chunks.Store satisfies it.
type Checkpointer interface {
	NextChunkNumber(group string) (int, error)
	WriteChunk(group string, chunkNumber int, records []json.RawMessage) (string, error)
}

// Config is the immutable crawl configuration.
type Config struct {
	Fetcher PageFetcher
	// Checkpoints may be nil, in which case nothing is written to disk.
	Checkpoints Checkpointer
	PageSize    int
	// SaveInterval is the number of pages between checkpoints.
	SaveInterval int
	// RequestDelay is slept between successive page requests.
	RequestDelay time.Duration
	// SkipFailedPages continues past a page that failed permanently.
	SkipFailedPages bool
	// MaxPages caps the number of pages requested; zero means no cap.
	MaxPages int
	Sleep    retry.Sleeper
	Logger   *zap.Logger
}

// Report summarizes a crawl. A crawl that stopped on a fetch failure has
// Aborted set and keeps whatever it salvaged.
type Report struct {
	Group         string
	Pages         int
	FailedPages   int
	Records       int
	Skipped       int
	TotalCount    int
	ChunkPaths    []string
	Aborted       bool
	AbortReason   error
	StoppedByPage bool
}

// Crawler fetches and normalizes records of type R.
type Crawler[R any] struct {
	cfg       Config
	normalize func(json.RawMessage) (R, error)
}

// New validates configuration and constructs a Crawler.
func New[R any](cfg Config, normalize func(json.RawMessage) (R, error)) (*Crawler[R], error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if normalize == nil {
		return nil, errMissingNormalize
	}
	if cfg.PageSize < 1 {
		return nil, errInvalidPageSize
	}
	if cfg.SaveInterval < 1 {
		cfg.SaveInterval = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Crawler[R]{cfg: cfg, normalize: normalize}, nil
}

// Run crawls group with query and checkpoints the normalized records. The
// returned error is non-nil only when a checkpoint could not be written;
// fetch failures are reported through Report.Aborted after a salvage save.
func (c *Crawler[R]) Run(ctx context.Context, group, query string) (Report, error) {
	report, _, err := c.crawl(ctx, group, query, nil)
	return report, err
}

// Collect crawls group with query and returns the normalized records instead
// of checkpointing them.
func (c *Crawler[R]) Collect(ctx context.Context, group, query string) ([]R, Report, error) {
	collected := make([]R, 0)
	report, _, err := c.crawl(ctx, group, query, func(record R) {
		collected = append(collected, record)
	})
	return collected, report, err
}

type checkpointState struct {
	next    int
	pending []json.RawMessage
}

func (c *Crawler[R]) crawl(ctx context.Context, group, query string, sink func(R)) (report Report, state checkpointState, err error) {
	logger := c.cfg.Logger.With(zap.String("group", group))
	report = Report{Group: group}
	checkpointing := c.cfg.Checkpoints != nil && sink == nil

	state.next = 1
	if checkpointing {
		next, nextErr := c.cfg.Checkpoints.NextChunkNumber(group)
		if nextErr != nil {
			return report, state, nextErr
		}
		state.next = next
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("crawl panicked, salvaging", zap.Any("panic", recovered))
			if checkpointing {
				_ = c.flush(group, &state, &report, triggerSalvage, logger)
			}
			panic(recovered)
		}
	}()

	fetched := 0
	pagesSinceSave := 0
	for pageNumber := 1; ; pageNumber++ {
		if c.cfg.MaxPages > 0 && pageNumber > c.cfg.MaxPages {
			logger.Warn("page cap reached", zap.Int("max_pages", c.cfg.MaxPages))
			break
		}
		if pageNumber > 1 {
			if sleepErr := c.cfg.Sleep(ctx, c.cfg.RequestDelay); sleepErr != nil {
				return c.abort(group, &state, &report, sleepErr, checkpointing, logger)
			}
		}

		page, fetchErr := c.cfg.Fetcher.FetchPage(ctx, query, pageNumber, c.cfg.PageSize)
		if fetchErr != nil {
			metrics.CrawlPagesTotal.WithLabelValues(group, "failed").Inc()
			report.FailedPages++
			if !c.cfg.SkipFailedPages || ctx.Err() != nil {
				return c.abort(group, &state, &report, fmt.Errorf("page %d: %w", pageNumber, fetchErr), checkpointing, logger)
			}
			if report.TotalCount == 0 {
				return c.abort(group, &state, &report, fmt.Errorf("page %d: %w: %v", pageNumber, errUnknownExtent, fetchErr), checkpointing, logger)
			}
			logger.Warn("page failed, skipping",
				zap.Int("page", pageNumber),
				zap.String("kind", string(upstream.KindOf(fetchErr))),
				zap.Error(fetchErr))
			if fetched+report.FailedPages*c.cfg.PageSize >= report.TotalCount {
				break
			}
			continue
		}

		metrics.CrawlPagesTotal.WithLabelValues(group, "ok").Inc()
		report.Pages++
		if page.TotalCount > 0 {
			report.TotalCount = page.TotalCount
		}
		for index, raw := range page.Records {
			record, normalizeErr := c.normalize(raw)
			if normalizeErr != nil {
				report.Skipped++
				logger.Warn("record skipped",
					zap.Int("page", pageNumber),
					zap.Int("index", index),
					zap.Error(normalizeErr))
				continue
			}
			report.Records++
			if sink != nil {
				sink(record)
				continue
			}
			encoded, encodeErr := json.Marshal(record)
			if encodeErr != nil {
				report.Skipped++
				report.Records--
				logger.Warn("record skipped", zap.Int("page", pageNumber), zap.Int("index", index), zap.Error(encodeErr))
				continue
			}
			state.pending = append(state.pending, encoded)
		}
		fetched += len(page.Records)
		pagesSinceSave++

		logger.Info("page fetched",
			zap.Int("page", pageNumber),
			zap.Int("records", len(page.Records)),
			zap.Int("fetched", fetched),
			zap.Int("total_count", report.TotalCount))

		if checkpointing && pagesSinceSave >= c.cfg.SaveInterval && len(state.pending) > 0 {
			if flushErr := c.flush(group, &state, &report, triggerInterval, logger); flushErr != nil {
				return c.checkpointFailure(group, &state, &report, flushErr, logger)
			}
			pagesSinceSave = 0
		}

		if len(page.Records) < c.cfg.PageSize {
			report.StoppedByPage = true
			break
		}
		if report.TotalCount > 0 && fetched+report.FailedPages*c.cfg.PageSize >= report.TotalCount {
			break
		}
	}

	if checkpointing && len(state.pending) > 0 {
		if flushErr := c.flush(group, &state, &report, triggerFinal, logger); flushErr != nil {
			return c.checkpointFailure(group, &state, &report, flushErr, logger)
		}
	}

	logger.Info("crawl complete",
		zap.Int("pages", report.Pages),
		zap.Int("failed_pages", report.FailedPages),
		zap.Int("records", report.Records),
		zap.Int("skipped", report.Skipped),
		zap.Int("chunks", len(report.ChunkPaths)))
	return report, state, nil
}

// abort records a fetch failure and salvages pending records.
func (c *Crawler[R]) abort(group string, state *checkpointState, report *Report, cause error, checkpointing bool, logger *zap.Logger) (Report, checkpointState, error) {
	report.Aborted = true
	report.AbortReason = cause
	logger.Error("crawl aborted", zap.Error(cause), zap.Int("pending", len(state.pending)))
	if checkpointing && len(state.pending) > 0 {
		if err := c.flush(group, state, report, triggerSalvage, logger); err != nil {
			return *report, *state, err
		}
	}
	return *report, *state, nil
}

// checkpointFailure makes one more attempt to save pending records before
// surfacing the checkpoint error.
func (c *Crawler[R]) checkpointFailure(group string, state *checkpointState, report *Report, cause error, logger *zap.Logger) (Report, checkpointState, error) {
	report.Aborted = true
	report.AbortReason = cause
	logger.Error("checkpoint failed, attempting salvage", zap.Error(cause))
	if err := c.flush(group, state, report, triggerSalvage, logger); err != nil {
		logger.Error("salvage failed", zap.Error(err), zap.Int("lost_records", len(state.pending)))
	}
	return *report, *state, cause
}

func (c *Crawler[R]) flush(group string, state *checkpointState, report *Report, trigger string, logger *zap.Logger) error {
	if len(state.pending) == 0 {
		return nil
	}
	path, err := c.cfg.Checkpoints.WriteChunk(group, state.next, state.pending)
	if err != nil {
		return err
	}
	metrics.ChunksWrittenTotal.WithLabelValues(group, trigger).Inc()
	logger.Debug("checkpoint written", zap.String("trigger", trigger), zap.Int("chunk", state.next))
	report.ChunkPaths = append(report.ChunkPaths, path)
	state.next++
	state.pending = nil
	return nil
}
