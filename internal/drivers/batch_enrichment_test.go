package drivers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"backend/internal/cache"
	"backend/internal/drivers"
	"backend/internal/provider"
	"backend/internal/session"
	"backend/internal/testkit"
)

type fakeLookupProvider struct {
	name  string
	works map[string]*provider.Work // keyed by title
}

func (f *fakeLookupProvider) Name() string { return f.name }

func (f *fakeLookupProvider) Lookup(ctx context.Context, q provider.Query) (*provider.Work, error) {
	if w, ok := f.works[q.Title]; ok {
		return w, nil
	}
	return nil, nil
}

func TestBatchEnrichmentHappyPath(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	c := cache.New(redisClient)
	sess := session.New(ctx, "batch-job-1", redisClient, nil)

	p := &fakeLookupProvider{name: "fake", works: map[string]*provider.Work{
		"Dune": {Work: map[string]any{"title": "Dune"}, Editions: nil, Authors: nil},
	}}
	d := &drivers.BatchEnrichment{Cache: c, Providers: []provider.Provider{p}}

	err := d.Run(ctx, sess, []drivers.BookRequest{
		{Title: "Dune", Author: "Herbert"},
		{Title: "Unknown Book"},
	})
	require.NoError(t, err)

	job := sess.GetJobState()
	require.Equal(t, session.StatusComplete, job.Status)
	require.NotNil(t, job.Results)
}

func TestBatchEnrichmentRejectsEmptyBatch(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	c := cache.New(redisClient)
	sess := session.New(ctx, "batch-job-2", redisClient, nil)

	d := &drivers.BatchEnrichment{Cache: c}
	err := d.Run(ctx, sess, nil)
	require.Error(t, err)
}

func TestBatchEnrichmentRejectsOversizedBatch(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	c := cache.New(redisClient)
	sess := session.New(ctx, "batch-job-3", redisClient, nil)

	books := make([]drivers.BookRequest, 101)
	for i := range books {
		books[i] = drivers.BookRequest{Title: "x"}
	}

	d := &drivers.BatchEnrichment{Cache: c}
	err := d.Run(ctx, sess, books)
	require.Error(t, err)
}

func TestBatchEnrichmentRejectsMissingTitle(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	c := cache.New(redisClient)
	sess := session.New(ctx, "batch-job-4", redisClient, nil)

	d := &drivers.BatchEnrichment{Cache: c}
	err := d.Run(ctx, sess, []drivers.BookRequest{{Title: "   "}})
	require.Error(t, err)
}
