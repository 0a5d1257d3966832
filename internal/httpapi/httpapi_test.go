package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backend/internal/blob"
	"backend/internal/cache"
	"backend/internal/drivers"
	"backend/internal/httpapi"
	"backend/internal/llm"
	"backend/internal/provider"
	"backend/internal/ratelimit"
	"backend/internal/registry"
	"backend/internal/scanner"
	"backend/internal/testkit"
)

type fakeLookupProvider struct{ work *provider.Work }

func (f *fakeLookupProvider) Name() string { return "fake" }
func (f *fakeLookupProvider) Lookup(ctx context.Context, q provider.Query) (*provider.Work, error) {
	return f.work, nil
}

type fakeLLMProvider struct{ books []llm.ParsedBook }

func (f *fakeLLMProvider) ParseCSV(ctx context.Context, csvBody string) ([]llm.ParsedBook, error) {
	return f.books, nil
}

func newTestDeps(t *testing.T) *httpapi.Deps {
	t.Helper()
	redisClient := testkit.StartRedis(t)
	c := cache.New(redisClient)
	reg := registry.New(redisClient, nil, 30*time.Minute)
	limiter := ratelimit.NewWithPolicy(redisClient, nil, 1000, time.Minute)

	return &httpapi.Deps{
		Registry:    reg,
		RateLimiter: limiter,
		BatchDriver: &drivers.BatchEnrichment{Cache: c, Providers: []provider.Provider{&fakeLookupProvider{work: &provider.Work{Work: map[string]any{"title": "Dune"}}}}},
		CSVDriver:   &drivers.CSVImport{Cache: c, LLM: &fakeLLMProvider{books: []llm.ParsedBook{{Title: "Dune"}}}},
		ScanDriver:  &drivers.ShelfScan{Blob: blob.NewMemStore(), Scanner: &scanner.FixedProvider{Books: []scanner.FoundBook{{Title: "Dune", Confidence: 0.9}}}},
	}
}

func TestHandleEnrichAccepted(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{
		"jobId": "job-1",
		"books": []map[string]string{{"title": "Dune"}},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/enrich", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var env map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	data := env["data"].(map[string]any)
	require.Equal(t, "job-1", data["jobId"])
	require.NotEmpty(t, data["token"])
}

func TestHandleEnrichRejectsMissingJobID(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{"books": []map[string]string{{"title": "Dune"}}})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/enrich", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEnrichRejectsEmptyBatch(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{"jobId": "job-2", "books": []map[string]string{}})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/enrich", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var env httpapi.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	require.Equal(t, "E_EMPTY_BATCH", env.Error.Code)
}

func TestHandleScanAccepted(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{
		"jobId":  "job-3",
		"images": []map[string]any{{"index": 0, "data": "aGVsbG8="}},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/scan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandleScanRejectsBadBase64(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]any{
		"jobId":  "job-4",
		"images": []map[string]any{{"index": 0, "data": "not-base64!!"}},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/scan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCSVAccepted(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("jobId", "job-5"))
	fw, err := mw.CreateFormFile("file", "books.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("title,author\nDune,Herbert\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs/csv", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandleCSVRejectsMissingFile(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("jobId", "job-6"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs/csv", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleTokenRefresh(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(httpapi.NewRouter(deps))
	defer srv.Close()

	sess := deps.Registry.Get(context.Background(), "job-7")
	// A short-lived token (well within TRefresh of expiry, not yet expired)
	// so the refresh is neither "too early" nor "expired".
	token, err := sess.SetAuthToken(context.Background(), time.Minute)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"jobId": "job-7", "oldToken": token})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(b))
}

func TestHandleTokenRefreshRejectsMissingFields(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	body, err := json.Marshal(map[string]string{"jobId": "job-8"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleWSRequiresUpgradeHeader(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/ws/progress?jobId=job-9", srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestHandleWSRequiresJobID(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewRouter(newTestDeps(t)))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/progress", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
