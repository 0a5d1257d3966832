package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func newTestOpenLibraryProvider(baseURL string) *OpenLibraryProvider {
	return &OpenLibraryProvider{client: resty.New().SetTimeout(DefaultTimeout), baseURL: baseURL}
}

func TestOpenLibraryLookupNormalizesFirstHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Dune", r.URL.Query().Get("title"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"numFound":1,"docs":[{"title":"Dune","author_name":["Frank Herbert"],"isbn":["9780441013593"],"first_publish_year":1965}]}`))
	}))
	defer srv.Close()

	p := newTestOpenLibraryProvider(srv.URL)
	work, err := p.Lookup(context.Background(), Query{Title: "Dune"})
	require.NoError(t, err)
	require.NotNil(t, work)
	require.Equal(t, "Dune", work.Work["title"])
	require.Len(t, work.Authors, 1)
	require.Equal(t, "Frank Herbert", work.Authors[0]["name"])
}

func TestOpenLibraryLookupNoHitsReturnsNilWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"numFound":0,"docs":[]}`))
	}))
	defer srv.Close()

	p := newTestOpenLibraryProvider(srv.URL)
	work, err := p.Lookup(context.Background(), Query{Title: "NoSuchBook"})
	require.NoError(t, err)
	require.Nil(t, work)
}

func TestOpenLibraryLookupClientErrorIsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestOpenLibraryProvider(srv.URL)
	_, err := p.Lookup(context.Background(), Query{Title: "Bad"})
	require.Error(t, err)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, http.StatusBadRequest, ce.Status)
}

func TestOpenLibraryLookupISBNQueryParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "9780441013593", r.URL.Query().Get("isbn"))
		require.Empty(t, r.URL.Query().Get("title"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"numFound":0,"docs":[]}`))
	}))
	defer srv.Close()

	p := newTestOpenLibraryProvider(srv.URL)
	_, err := p.Lookup(context.Background(), Query{ISBN: "9780441013593", Title: "Dune"})
	require.NoError(t, err)
}
