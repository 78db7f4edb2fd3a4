package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/catalog"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/chunks"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/config"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/crawler"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/database"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/logging"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/metrics"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/server"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	deckGroupPrefix = "decks-"
	userAgent       = "cardpipe/1.0"

	metricsPushTimeout = 10 * time.Second
)

// pipeline holds what every subcommand needs after configuration is loaded.
type pipeline struct {
	cfg    config.AppConfig
	logger *zap.Logger
}

func loadPipeline() (*pipeline, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}
	return &pipeline{cfg: appConfig, logger: logger}, nil
}

func (p *pipeline) close() {
	_ = p.logger.Sync()
}

// pushMetrics publishes this run's counters to the pushgateway, if one is
// configured. A failed push is logged and never changes the exit status.
func (p *pipeline) pushMetrics(command string) {
	pushCfg := metrics.PushConfig{
		GatewayURL: p.cfg.MetricsPushgatewayURL,
		Job:        p.cfg.MetricsPushJob,
		Grouping:   map[string]string{"command": command},
	}
	if !pushCfg.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsPushTimeout)
	defer cancel()
	if err := metrics.Push(ctx, pushCfg); err != nil {
		p.logger.Warn("metrics push failed", zap.String("command", command), zap.Error(err))
		return
	}
	p.logger.Debug("metrics pushed", zap.String("command", command))
}

func (p *pipeline) chunkStore() (*chunks.Store, error) {
	return chunks.NewStore(chunks.StoreConfig{Directory: p.cfg.ChunksDir, Logger: p.logger})
}

func (p *pipeline) apiClient() (*upstream.Client, error) {
	return upstream.NewClient(upstream.ClientConfig{
		BaseURL:   p.cfg.UpstreamBaseURL,
		APIKey:    p.cfg.UpstreamAPIKey,
		UserAgent: userAgent,
		Timeout:   p.cfg.UpstreamTimeout,
		Retry:     p.cfg.RetryStrategy(p.logger),
		Logger:    p.logger,
	})
}

func (p *pipeline) rawClient() (*upstream.RawClient, error) {
	return upstream.NewRawClient(upstream.RawClientConfig{
		BaseURL:   p.cfg.UpstreamRawBaseURL,
		UserAgent: userAgent,
		Timeout:   p.cfg.UpstreamTimeout,
		Retry:     p.cfg.RetryStrategy(p.logger),
		Logger:    p.logger,
	})
}

func (p *pipeline) catalogService() (*catalog.Service, func(), error) {
	db, err := database.Open(p.cfg.DatabaseDriver, p.cfg.DatabaseDSN, p.logger)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if closeErr := database.Close(db); closeErr != nil {
			p.logger.Warn("database close failed", zap.Error(closeErr))
		}
	}
	service, err := catalog.NewService(catalog.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: catalog.NewUUIDProvider(),
		Logger:     p.logger,
		BatchSize:  p.cfg.ImportBatchSize,
	})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return service, closeDB, nil
}

// crawlConfig builds the paging configuration; staticPages disables the
// inter-request delay because pages are sliced from one download.
func (p *pipeline) crawlConfig(fetcher crawler.PageFetcher, checkpoints crawler.Checkpointer, staticPages bool) crawler.Config {
	fetch := p.cfg.Fetch()
	delay := fetch.RequestDelay
	if staticPages {
		delay = 0
	}
	return crawler.Config{
		Fetcher:         fetcher,
		Checkpoints:     checkpoints,
		PageSize:        fetch.PageSize,
		SaveInterval:    p.cfg.CrawlSaveInterval,
		RequestDelay:    delay,
		SkipFailedPages: p.cfg.CrawlSkipFailedPages,
		Logger:          p.logger,
	}
}

func groupArgument(args []string, fallback string) (string, error) {
	group := fallback
	if len(args) > 0 {
		group = strings.TrimSpace(args[0])
	}
	if err := chunks.ValidateGroup(group); err != nil {
		return "", err
	}
	return group, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func logCrawlReport(logger *zap.Logger, report crawler.Report) {
	fields := []zap.Field{
		zap.String("group", report.Group),
		zap.Int("pages", report.Pages),
		zap.Int("failed_pages", report.FailedPages),
		zap.Int("records", report.Records),
		zap.Int("skipped", report.Skipped),
		zap.Int("total_count", report.TotalCount),
		zap.Strings("chunks", report.ChunkPaths),
	}
	if report.Aborted {
		logger.Warn("fetch stopped early; saved records are kept", append(fields, zap.Error(report.AbortReason))...)
		return
	}
	logger.Info("fetch finished", fields...)
}

func newFetchCommand() *cobra.Command {
	var maxPages int
	cmd := &cobra.Command{
		Use:   "fetch [regulation]",
		Short: "Fetch cards of one regulation mark from the paged API into chunk files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			group, err := groupArgument(args, p.cfg.CrawlDefaultRegulation)
			if err != nil {
				return err
			}
			store, err := p.chunkStore()
			if err != nil {
				return err
			}
			client, err := p.apiClient()
			if err != nil {
				return err
			}
			crawlConfig := p.crawlConfig(client, store, false)
			crawlConfig.MaxPages = maxPages
			crawl, err := crawler.New(crawlConfig, cards.NewAPINormalizer().NormalizeCard)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			report, err := crawl.Run(ctx, group, "regulationMark:"+group)
			logCrawlReport(p.logger, report)
			return err
		},
	}
	defaults := config.NewViper()
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Stop after this many pages (0 fetches all)")
	cmd.Flags().Int("save-interval", defaults.GetInt("crawl.save_interval"), "Pages between chunk checkpoints")
	cmd.Flags().Bool("skip-failed-pages", defaults.GetBool("crawl.skip_failed_pages"), "Continue past pages that fail permanently")
	bindLocalFlag(cmd, "crawl.save_interval", "save-interval")
	bindLocalFlag(cmd, "crawl.skip_failed_pages", "skip-failed-pages")
	return cmd
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newFetchRawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-raw [set]",
		Short: "Fetch one set's card file from the raw data repository into chunk files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			setCode, err := groupArgument(args, p.cfg.CrawlDefaultSet)
			if err != nil {
				return err
			}
			store, err := p.chunkStore()
			if err != nil {
				return err
			}
			client, err := p.rawClient()
			if err != nil {
				return err
			}
			pages := crawler.NewStaticPages(func(ctx context.Context) ([]json.RawMessage, error) {
				return client.FetchSetCards(ctx, setCode)
			})
			crawl, err := crawler.New(p.crawlConfig(pages, store, true), cards.NewRawNormalizer(setCode).NormalizeCard)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			report, err := crawl.Run(ctx, setCode, "")
			logCrawlReport(p.logger, report)
			return err
		},
	}
}

func newFetchDecksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-decks [set]",
		Short: "Fetch one set's deck file from the raw data repository into chunk files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			setCode, err := groupArgument(args, p.cfg.CrawlDefaultSet)
			if err != nil {
				return err
			}
			store, err := p.chunkStore()
			if err != nil {
				return err
			}
			client, err := p.rawClient()
			if err != nil {
				return err
			}
			pages := crawler.NewStaticPages(func(ctx context.Context) ([]json.RawMessage, error) {
				return client.FetchSetDecks(ctx, setCode)
			})
			crawl, err := crawler.New(p.crawlConfig(pages, store, true), cards.NewDeckNormalizer(setCode).NormalizeDeck)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			report, err := crawl.Run(ctx, deckGroupPrefix+setCode, "")
			logCrawlReport(p.logger, report)
			return err
		},
	}
}

func newMergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [group]",
		Short: "Merge a group's chunk files into its snapshot and remove the chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			group, err := groupArgument(args, p.cfg.CrawlDefaultRegulation)
			if err != nil {
				return err
			}
			store, err := p.chunkStore()
			if err != nil {
				return err
			}
			result, err := store.MergeGroup(group)
			if errors.Is(err, chunks.ErrNoChunks) {
				p.logger.Warn("nothing to merge", zap.String("group", group))
				return nil
			}
			if err != nil {
				return err
			}
			p.logger.Info("merge finished",
				zap.String("snapshot", result.SnapshotPath),
				zap.Int("records", result.Records),
				zap.Int("duplicates", result.Duplicates))
			return nil
		},
	}
}

func newImportCommand() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "import [group]",
		Short: "Import a card snapshot, or the live API with --live, into the catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			group, err := groupArgument(args, p.cfg.CrawlDefaultRegulation)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var records []cards.CardRecord
			var decodeFailures []catalog.RecordFailure
			if live {
				client, clientErr := p.apiClient()
				if clientErr != nil {
					return clientErr
				}
				crawl, crawlErr := crawler.New(p.crawlConfig(client, nil, false), cards.NewAPINormalizer().NormalizeCard)
				if crawlErr != nil {
					return crawlErr
				}
				collected, report, collectErr := crawl.Collect(ctx, group, "regulationMark:"+group)
				if collectErr != nil {
					return collectErr
				}
				logCrawlReport(p.logger, report)
				records = collected
			} else {
				store, storeErr := p.chunkStore()
				if storeErr != nil {
					return storeErr
				}
				loaded, failures, loadErr := readSnapshotRecords[cards.CardRecord](store.SnapshotPath(group), p.logger)
				if loadErr != nil {
					return loadErr
				}
				records = loaded
				decodeFailures = failures
			}

			service, closeDB, err := p.catalogService()
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := service.ImportCards(ctx, records)
			if err != nil {
				return err
			}
			addDecodeFailures(&report, decodeFailures)
			p.logger.Info("import finished",
				zap.String("group", group),
				zap.Int("created", report.Created),
				zap.Int("updated", report.Updated),
				zap.Int("failed", report.Failed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Fetch from the API instead of reading the snapshot")
	return cmd
}

func newImportDecksCommand() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "import-decks [set]",
		Short: "Import a deck snapshot, or the raw deck file with --live, resolving card references",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()
			defer p.pushMetrics(cmd.Name())

			setCode, err := groupArgument(args, p.cfg.CrawlDefaultSet)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var decks []cards.DeckRecord
			var decodeFailures []catalog.RecordFailure
			if live {
				client, clientErr := p.rawClient()
				if clientErr != nil {
					return clientErr
				}
				pages := crawler.NewStaticPages(func(ctx context.Context) ([]json.RawMessage, error) {
					return client.FetchSetDecks(ctx, setCode)
				})
				crawl, crawlErr := crawler.New(p.crawlConfig(pages, nil, true), cards.NewDeckNormalizer(setCode).NormalizeDeck)
				if crawlErr != nil {
					return crawlErr
				}
				collected, report, collectErr := crawl.Collect(ctx, deckGroupPrefix+setCode, "")
				if collectErr != nil {
					return collectErr
				}
				logCrawlReport(p.logger, report)
				decks = collected
			} else {
				store, storeErr := p.chunkStore()
				if storeErr != nil {
					return storeErr
				}
				loaded, failures, loadErr := readSnapshotRecords[cards.DeckRecord](store.SnapshotPath(deckGroupPrefix+setCode), p.logger)
				if loadErr != nil {
					return loadErr
				}
				decks = loaded
				decodeFailures = failures
			}

			service, closeDB, err := p.catalogService()
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := service.ImportDecks(ctx, decks)
			if err != nil {
				return err
			}
			addDecodeFailures(&report.Decks, decodeFailures)
			p.logger.Info("deck import finished",
				zap.String("set", setCode),
				zap.Int("created", report.Decks.Created),
				zap.Int("updated", report.Decks.Updated),
				zap.Int("failed", report.Decks.Failed),
				zap.Int("card_links", report.CardLinks),
				zap.Int("placeholder_links", report.PlaceholderLinks),
				zap.Int("failed_links", report.FailedLinks))
			return nil
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Fetch the raw deck file instead of reading the snapshot")
	return cmd
}

// readSnapshotRecords decodes a snapshot into normalized records. Entries that
// do not decode are skipped and returned as failures indexed by snapshot position.
func readSnapshotRecords[R any](path string, logger *zap.Logger) ([]R, []catalog.RecordFailure, error) {
	raw, err := chunks.ReadSnapshot(path)
	if err != nil {
		return nil, nil, err
	}
	records := make([]R, 0, len(raw))
	var failures []catalog.RecordFailure
	for index, entry := range raw {
		var record R
		if decodeErr := json.Unmarshal(entry, &record); decodeErr != nil {
			logger.Warn("snapshot record skipped", zap.Int("index", index), zap.Error(decodeErr))
			failures = append(failures, catalog.RecordFailure{Index: index, Reason: "decode: " + decodeErr.Error()})
			continue
		}
		records = append(records, record)
	}
	logger.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("skipped", len(failures)))
	return records, failures, nil
}

// addDecodeFailures folds snapshot decode failures into an import report.
func addDecodeFailures(report *catalog.ImportReport, failures []catalog.RecordFailure) {
	report.Failed += len(failures)
	report.Failures = append(failures, report.Failures...)
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only catalog inspection API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline()
			if err != nil {
				return err
			}
			defer p.close()

			service, closeDB, err := p.catalogService()
			if err != nil {
				return err
			}
			defer closeDB()

			handler, err := server.NewHTTPHandler(server.Dependencies{
				Catalog: service,
				Logger:  p.logger,
			})
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              p.cfg.HTTPAddress,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			signalCtx, stop := signalContext(cmd.Context())
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				p.logger.Info("server starting", zap.String("address", p.cfg.HTTPAddress))
				err := httpServer.ListenAndServe()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-signalCtx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().String("http-address", config.NewViper().GetString("http.address"), "HTTP listen address")
	bindLocalFlag(cmd, "http.address", "http-address")
	return cmd
}
