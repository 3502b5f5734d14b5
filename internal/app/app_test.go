package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	"github.com/JakeFAU/listing-crawler/internal/pagestore"
	memorypublisher "github.com/JakeFAU/listing-crawler/internal/publisher/memory"
	"github.com/JakeFAU/listing-crawler/internal/scope"
	memorystorage "github.com/JakeFAU/listing-crawler/internal/storage/memory"
)

const root = "https://www.carzone.ie/cars"

type stubFetcher struct {
	pages map[string]string
}

func (s stubFetcher) Fetch(_ context.Context, url string) fetcher.Outcome {
	body, ok := s.pages[url]
	if !ok {
		return fetcher.Outcome{Kind: fetcher.RedirectOrError, URL: url, StatusCode: http.StatusNotFound}
	}
	return fetcher.Outcome{
		Kind:       fetcher.Success,
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

type noPause struct{}

func (noPause) Pause(context.Context, time.Duration) {}

func testSite() stubFetcher {
	return stubFetcher{pages: map[string]string{
		root:             `<a href="/cars/ford">Ford</a><a href="/cars?page=2">Next</a><a href="/news">News</a>`,
		root + "/ford":   `<a href="/cars">Back</a>`,
		root + "?page=2": `<a href="/cars/audi">Audi</a>`,
	}}
}

func testConfig(location string) config.Config {
	rules := scope.DefaultRules()
	return config.Config{
		Crawler: config.CrawlerConfig{
			StartURLs:          []string{root},
			BaseURL:            "https://www.carzone.ie",
			MaxPages:           2,
			DelayMinSeconds:    0,
			DelayMaxSeconds:    0,
			Concurrency:        1,
			AllowedDomain:      rules.AllowedDomain,
			AllowedPrefixes:    rules.AllowedPrefixes,
			RootPath:           rules.RootPath,
			ExcludedSubstrings: rules.ExcludedSubstrings,
			ExcludedExtensions: rules.ExcludedExtensions,
		},
		HTTP:   config.HTTPConfig{TimeoutSeconds: 1, BackoffMaxMs: 10},
		Output: config.OutputConfig{Location: location},
		DB:     config.DBConfig{Table: "crawled_pages"},
	}
}

func build(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	base := []Option{
		WithLogger(zap.NewNop()),
		WithFetcher(testSite()),
		WithPauser(noPause{}),
		WithoutSignalHandling(),
	}
	a, err := Build(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestRunWritesPagesAndSummaryToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := build(t, testConfig(dir))
	require.NotEmpty(t, a.RunID())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
	assert.True(t, res.BudgetMet)
	assert.Equal(t, crawler.StateTerminated, a.Engine().State())

	htmlFiles, err := filepath.Glob(filepath.Join(dir, "*.html"))
	require.NoError(t, err)
	require.Len(t, htmlFiles, 2)
	assert.Equal(t, "0001_www.carzone.ie_cars_noq.html", filepath.Base(htmlFiles[0]))
	jsonFiles, err := filepath.Glob(filepath.Join(dir, "000*.json"))
	require.NoError(t, err)
	assert.Len(t, jsonFiles, 2)

	raw, err := os.ReadFile(filepath.Join(dir, pagestore.SummaryName))
	require.NoError(t, err)
	var summary pagestore.Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, a.RunID(), summary.RunID)
	assert.Equal(t, 2, summary.Saved)
	assert.Equal(t, 2, summary.Target)
	assert.Equal(t, string(crawler.StateTerminated), summary.State)
	assert.False(t, summary.ProxyUsed)

	pub, ok := a.Publisher().(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, crawler.EventPageSaved, msgs[0].EventType)
}

func TestRunInMemory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(MemoryLocation)
	cfg.Crawler.MaxPages = 10
	a := build(t, cfg)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Saved)
	assert.False(t, res.BudgetMet)

	blobs, ok := a.Blobs().(*memorystorage.BlobStore)
	require.True(t, ok)
	_, ok = blobs.Get(pagestore.SummaryName)
	assert.True(t, ok)
	assert.Len(t, blobs.Keys(), 7)
}

func TestBuildRejectsRunWithoutValidSeeds(t *testing.T) {
	t.Parallel()

	var connections atomic.Int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connections.Add(1)
			_ = conn.Close()
		}
	}()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"memory output", func(*config.Config) {}},
		{"catalog configured", func(c *config.Config) {
			c.DB.DSN = "postgres://crawler@" + ln.Addr().String() + "/pages?connect_timeout=1"
		}},
		{"gcs output", func(c *config.Config) { c.Output.Location = "gs://crawl-bucket/carzone" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(MemoryLocation)
			cfg.Crawler.StartURLs = []string{"https://www.example.com/cars", "not a url"}
			tc.mutate(&cfg)

			a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithoutSignalHandling())
			require.ErrorIs(t, err, crawler.ErrNoValidSeeds)
			assert.Nil(t, a)
		})
	}
	assert.Zero(t, connections.Load(), "no external resource is contacted")
}

func TestRunUploadsToGCS(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		names []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		name := r.URL.Query().Get("name")
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		fmt.Fprintf(w, `{"name":%q,"bucket":"crawl-bucket"}`, name)
	}))
	t.Cleanup(server.Close)

	a := build(t, testConfig("gs://crawl-bucket/carzone"),
		WithStorageOptions(option.WithEndpoint(server.URL), option.WithoutAuthentication()))

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, names, 5)
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "carzone/"), n)
	}
	assert.Contains(t, names, "carzone/"+pagestore.SummaryName)
}

func TestRunServesStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig(MemoryLocation)
	cfg.Metrics.Addr = "127.0.0.1:0"
	a := build(t, cfg)

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad proxy", func(c *config.Config) { c.HTTP.ProxyURL = "ftp://proxy.internal" }},
		{"bad gcs location", func(c *config.Config) { c.Output.Location = "gs://" }},
		{"bad budget", func(c *config.Config) { c.Crawler.MaxPages = 0 }},
		{"bad catalog table", func(c *config.Config) {
			c.DB.DSN = "postgres://crawler@127.0.0.1:1/pages"
			c.DB.Table = "pages; drop table x"
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(MemoryLocation)
			tc.mutate(&cfg)
			_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithoutSignalHandling())
			require.Error(t, err)
		})
	}
}
