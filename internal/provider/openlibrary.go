package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// OpenLibraryProvider is a reference Provider implementation querying the
// Open Library search API, analogous to how internal/llm's GeminiProvider
// serves as the reference adapter for the out-of-scope LLM collaborator;
// it is the one Provider implementation in this package and can be swapped
// for any other.
type OpenLibraryProvider struct {
	client  *resty.Client
	baseURL string
}

// NewOpenLibraryProvider builds a Provider bound to the Open Library search
// endpoint, using resty for the outbound call and DefaultTimeout as the
// client-level request timeout (the fanout's own per-call context deadline
// still governs cancellation).
func NewOpenLibraryProvider() *OpenLibraryProvider {
	client := resty.New().
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json")
	return &OpenLibraryProvider{client: client, baseURL: "https://openlibrary.org"}
}

func (p *OpenLibraryProvider) Name() string { return "open_library" }

type openLibraryDoc struct {
	Title         string   `json:"title"`
	AuthorName    []string `json:"author_name"`
	ISBN          []string `json:"isbn"`
	FirstPublish  int      `json:"first_publish_year"`
	CoverEditionK string   `json:"cover_edition_key"`
}

type openLibrarySearchResponse struct {
	NumFound int              `json:"numFound"`
	Docs     []openLibraryDoc `json:"docs"`
}

// Lookup queries /search.json by ISBN when present, else by title+author,
// and normalizes the first hit into the canonical Work shape. A non-2xx
// response is surfaced as a *ClientError for 4xx so the caller never
// negative-caches a client-side mistake (§7).
func (p *OpenLibraryProvider) Lookup(ctx context.Context, q Query) (*Work, error) {
	req := p.client.R().SetContext(ctx).SetResult(&openLibrarySearchResponse{})
	if q.ISBN != "" {
		req.SetQueryParam("isbn", q.ISBN)
	} else {
		req.SetQueryParam("title", q.Title)
		if q.Author != "" {
			req.SetQueryParam("author", q.Author)
		}
	}

	resp, err := req.Get(p.baseURL + "/search.json")
	if err != nil {
		return nil, fmt.Errorf("open_library: request: %w", err)
	}
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		return nil, &ClientError{Status: resp.StatusCode(), Err: fmt.Errorf("open_library: %s", resp.Status())}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open_library: unexpected status %s", resp.Status())
	}

	result, ok := resp.Result().(*openLibrarySearchResponse)
	if !ok || result.NumFound == 0 || len(result.Docs) == 0 {
		return nil, nil
	}
	doc := result.Docs[0]

	authors := make([]map[string]any, 0, len(doc.AuthorName))
	for _, name := range doc.AuthorName {
		authors = append(authors, map[string]any{"name": name})
	}
	editions := []map[string]any{}
	if doc.CoverEditionK != "" {
		editions = append(editions, map[string]any{"editionKey": doc.CoverEditionK, "isbn": doc.ISBN})
	}

	return &Work{
		Work: map[string]any{
			"title":            doc.Title,
			"firstPublishYear": doc.FirstPublish,
		},
		Editions: editions,
		Authors:  authors,
	}, nil
}
