package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/chunks"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ExternalID string `json:"external_id"`
}

func normalizeTestRecord(raw json.RawMessage) (testRecord, error) {
	var record testRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return testRecord{}, err
	}
	if strings.HasPrefix(record.ExternalID, "bad") {
		return testRecord{}, errors.New("rejected")
	}
	return record, nil
}

// fakeFetcher serves total records in pages; failing pages return their error.
type fakeFetcher struct {
	total      int
	reported   int
	failPages  map[int]error
	badRecords map[int]bool
	calls      []int
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ string, pageNumber, pageSize int) (upstream.Page, error) {
	f.calls = append(f.calls, pageNumber)
	if err := f.failPages[pageNumber]; err != nil {
		return upstream.Page{}, err
	}
	start := min((pageNumber-1)*pageSize, f.total)
	end := min(start+pageSize, f.total)
	records := make([]json.RawMessage, 0, end-start)
	for index := start; index < end; index++ {
		id := fmt.Sprintf("r-%d", index+1)
		if f.badRecords[index+1] {
			id = "bad-" + id
		}
		records = append(records, json.RawMessage(`{"external_id":"`+id+`"}`))
	}
	totalCount := f.total
	if f.reported != 0 {
		totalCount = f.reported
	}
	return upstream.Page{Records: records, Page: pageNumber, PageSize: pageSize, Count: len(records), TotalCount: totalCount}, nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestStore(t *testing.T) *chunks.Store {
	t.Helper()
	store, err := chunks.NewStore(chunks.StoreConfig{Directory: filepath.Join(t.TempDir(), "chunks")})
	require.NoError(t, err)
	return store
}

func newTestCrawler(t *testing.T, cfg Config) *Crawler[testRecord] {
	t.Helper()
	if cfg.Sleep == nil {
		cfg.Sleep = (&sleepRecorder{}).sleep
	}
	crawler, err := New(cfg, normalizeTestRecord)
	require.NoError(t, err)
	return crawler
}

func chunkSizes(t *testing.T, paths []string) []int {
	t.Helper()
	sizes := make([]int, 0, len(paths))
	for _, path := range paths {
		records, err := chunks.ReadSnapshot(path)
		require.NoError(t, err)
		sizes = append(sizes, len(records))
	}
	return sizes
}

func TestRunStopsOnShortPage(t *testing.T) {
	fetcher := &fakeFetcher{total: 47}
	sleeper := &sleepRecorder{}
	crawler := newTestCrawler(t, Config{
		Fetcher:      fetcher,
		Checkpoints:  newTestStore(t),
		PageSize:     10,
		SaveInterval: 50,
		RequestDelay: 100 * time.Millisecond,
		Sleep:        sleeper.sleep,
	})

	report, err := crawler.Run(context.Background(), "G", "regulationMark:G")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, fetcher.calls)
	assert.Equal(t, 47, report.Records)
	assert.True(t, report.StoppedByPage)
	assert.False(t, report.Aborted)
	assert.Len(t, sleeper.delays, 4, "delay applies between requests only")
	assert.Equal(t, []int{47}, chunkSizes(t, report.ChunkPaths))
}

func TestRunStopsWhenTotalCountReached(t *testing.T) {
	fetcher := &fakeFetcher{total: 40}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: newTestStore(t), PageSize: 10, SaveInterval: 50})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, fetcher.calls, "no trailing empty page request")
	assert.Equal(t, 40, report.Records)
	assert.False(t, report.StoppedByPage)
}

func TestRunStopsOnShortPageEvenWhenTotalCountOverstates(t *testing.T) {
	fetcher := &fakeFetcher{total: 25, reported: 1000}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, PageSize: 10})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, fetcher.calls)
	assert.Equal(t, 25, report.Records)
}

func TestRunCheckpointsEverySaveInterval(t *testing.T) {
	fetcher := &fakeFetcher{total: 50}
	store := newTestStore(t)
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: store, PageSize: 10, SaveInterval: 2})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, []int{20, 20, 10}, chunkSizes(t, report.ChunkPaths))
	assert.Equal(t, "G-chunk-3.json", filepath.Base(report.ChunkPaths[2]))

	merged, err := store.MergeGroup("G")
	require.NoError(t, err)
	assert.Equal(t, 50, merged.Records)
}

func TestRunSalvagesPendingRecordsOnFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		total:     100,
		failPages: map[int]error{2: &upstream.FetchError{Kind: upstream.KindClient, StatusCode: 404, Err: errors.New("not found")}},
	}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: newTestStore(t), PageSize: 23, SaveInterval: 50})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err, "fetch failures are reported, not returned")
	assert.True(t, report.Aborted)
	assert.Equal(t, upstream.KindClient, upstream.KindOf(report.AbortReason))
	assert.Equal(t, []int{23}, chunkSizes(t, report.ChunkPaths))
}

func TestRunSalvagesOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{total: 100}
	crawler := newTestCrawler(t, Config{
		Fetcher:      fetcher,
		Checkpoints:  newTestStore(t),
		PageSize:     10,
		SaveInterval: 50,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	report, err := crawler.Run(ctx, "G", "")
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.AbortReason, context.Canceled)
	assert.Equal(t, []int{10}, chunkSizes(t, report.ChunkPaths))
}

func TestRunSkipsFailedPagesWhenConfigured(t *testing.T) {
	fetcher := &fakeFetcher{
		total:     30,
		failPages: map[int]error{2: &upstream.FetchError{Kind: upstream.KindServer, Err: errors.New("boom")}},
	}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: newTestStore(t), PageSize: 10, SkipFailedPages: true})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, fetcher.calls)
	assert.Equal(t, 1, report.FailedPages)
	assert.Equal(t, 20, report.Records)
	assert.False(t, report.Aborted)
}

func TestRunAbortsWhenFirstPageFailsEvenWithSkipping(t *testing.T) {
	fetcher := &fakeFetcher{
		total:     30,
		failPages: map[int]error{1: &upstream.FetchError{Kind: upstream.KindServer, Err: errors.New("boom")}},
	}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, PageSize: 10, SkipFailedPages: true})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.AbortReason, errUnknownExtent)
	assert.Equal(t, []int{1}, fetcher.calls)
}

func TestRunSkipsRecordsThatFailToNormalize(t *testing.T) {
	fetcher := &fakeFetcher{total: 5, badRecords: map[int]bool{2: true, 4: true}}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: newTestStore(t), PageSize: 10})

	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Records)
	assert.Equal(t, 2, report.Skipped)

	saved, err := chunks.ReadSnapshot(report.ChunkPaths[0])
	require.NoError(t, err)
	ids := make([]string, 0, len(saved))
	for _, raw := range saved {
		var record testRecord
		require.NoError(t, json.Unmarshal(raw, &record))
		ids = append(ids, record.ExternalID)
	}
	assert.Equal(t, []string{"r-1", "r-3", "r-5"}, ids, "upstream order is preserved")
}

func TestRunContinuesChunkNumbering(t *testing.T) {
	store := newTestStore(t)
	_, err := store.WriteChunk("G", 4, []json.RawMessage{json.RawMessage(`{"external_id":"old"}`)})
	require.NoError(t, err)

	crawler := newTestCrawler(t, Config{Fetcher: &fakeFetcher{total: 3}, Checkpoints: store, PageSize: 10})
	report, err := crawler.Run(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Equal(t, "G-chunk-5.json", filepath.Base(report.ChunkPaths[0]))
}

func TestCollectReturnsRecordsWithoutCheckpoints(t *testing.T) {
	store := newTestStore(t)
	crawler := newTestCrawler(t, Config{Fetcher: &fakeFetcher{total: 12}, Checkpoints: store, PageSize: 5})

	records, report, err := crawler.Collect(context.Background(), "G", "")
	require.NoError(t, err)
	assert.Len(t, records, 12)
	assert.Empty(t, report.ChunkPaths)

	remaining, err := store.ListChunks("G")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStaticPagesSlicesOneDownload(t *testing.T) {
	loads := 0
	pages := NewStaticPages(func(context.Context) ([]json.RawMessage, error) {
		loads++
		out := make([]json.RawMessage, 0, 7)
		for index := 1; index <= 7; index++ {
			out = append(out, json.RawMessage(fmt.Sprintf(`{"external_id":"s-%d"}`, index)))
		}
		return out, nil
	})
	crawler := newTestCrawler(t, Config{Fetcher: pages, Checkpoints: newTestStore(t), PageSize: 3, SaveInterval: 1})

	report, err := crawler.Run(context.Background(), "sv1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	assert.Equal(t, []int{3, 3, 1}, chunkSizes(t, report.ChunkPaths))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New[testRecord](Config{PageSize: 10}, normalizeTestRecord)
	assert.ErrorIs(t, err, errMissingFetcher)

	_, err = New[testRecord](Config{Fetcher: &fakeFetcher{}, PageSize: 10}, nil)
	assert.ErrorIs(t, err, errMissingNormalize)

	_, err = New(Config{Fetcher: &fakeFetcher{}}, normalizeTestRecord)
	assert.ErrorIs(t, err, errInvalidPageSize)
}

// flakyCheckpoints fails its first failWrites writes and records the rest.
type flakyCheckpoints struct {
	failWrites int
	attempts   int
	written    [][]json.RawMessage
}

func (f *flakyCheckpoints) NextChunkNumber(string) (int, error) {
	return 1, nil
}

func (f *flakyCheckpoints) WriteChunk(group string, chunkNumber int, records []json.RawMessage) (string, error) {
	f.attempts++
	if f.attempts <= f.failWrites {
		return "", fmt.Errorf("%w: disk full", chunks.ErrCheckpointIO)
	}
	f.written = append(f.written, append([]json.RawMessage(nil), records...))
	return fmt.Sprintf("%s-chunk-%d.json", group, chunkNumber), nil
}

func TestRunSalvagesOnceWhenCheckpointWriteFails(t *testing.T) {
	checkpoints := &flakyCheckpoints{failWrites: 1}
	fetcher := &fakeFetcher{total: 30}
	crawler := newTestCrawler(t, Config{Fetcher: fetcher, Checkpoints: checkpoints, PageSize: 10, SaveInterval: 2})

	report, err := crawler.Run(context.Background(), "G", "")

	require.ErrorIs(t, err, chunks.ErrCheckpointIO)
	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.AbortReason, chunks.ErrCheckpointIO)
	assert.Equal(t, []int{1, 2}, fetcher.calls, "the run stops at the failed checkpoint")
	assert.Equal(t, 2, checkpoints.attempts)
	require.Len(t, checkpoints.written, 1)
	assert.Len(t, checkpoints.written[0], 20, "the salvage holds every pending record")
	assert.Equal(t, []string{"G-chunk-1.json"}, report.ChunkPaths)
}

func TestRunReportsLostRecordsWhenSalvageAlsoFails(t *testing.T) {
	checkpoints := &flakyCheckpoints{failWrites: 2}
	crawler := newTestCrawler(t, Config{Fetcher: &fakeFetcher{total: 30}, Checkpoints: checkpoints, PageSize: 10, SaveInterval: 2})

	report, err := crawler.Run(context.Background(), "G", "")

	require.ErrorIs(t, err, chunks.ErrCheckpointIO)
	assert.True(t, report.Aborted)
	assert.Empty(t, checkpoints.written)
	assert.Empty(t, report.ChunkPaths)
}

func TestRunSalvagesPendingRecordsWhenNormalizePanics(t *testing.T) {
	checkpoints := &flakyCheckpoints{}
	normalize := func(raw json.RawMessage) (testRecord, error) {
		record, err := normalizeTestRecord(raw)
		if record.ExternalID == "r-15" {
			panic("unexpected payload")
		}
		return record, err
	}
	crawler, err := New(Config{
		Fetcher:      &fakeFetcher{total: 30},
		Checkpoints:  checkpoints,
		PageSize:     10,
		SaveInterval: 5,
		Sleep:        (&sleepRecorder{}).sleep,
	}, normalize)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "unexpected payload", func() {
		_, _ = crawler.Run(context.Background(), "G", "")
	})

	require.Len(t, checkpoints.written, 1)
	salvaged := checkpoints.written[0]
	require.Len(t, salvaged, 14)
	assert.JSONEq(t, `{"external_id":"r-1"}`, string(salvaged[0]))
	assert.JSONEq(t, `{"external_id":"r-14"}`, string(salvaged[13]))
}
