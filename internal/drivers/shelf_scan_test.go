package drivers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"backend/internal/blob"
	"backend/internal/drivers"
	"backend/internal/scanner"
	"backend/internal/session"
	"backend/internal/testkit"
)

func TestShelfScanHappyPath(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	sess := session.New(ctx, "scan-job-1", redisClient, nil)

	store := blob.NewMemStore()
	scan := &scanner.FixedProvider{Books: []scanner.FoundBook{{Title: "Dune", Author: "Herbert", Confidence: 0.9}}}
	d := &drivers.ShelfScan{Blob: store, Scanner: scan}

	err := d.Run(ctx, sess, [][]byte{[]byte("photo-1"), []byte("photo-2")})
	require.NoError(t, err)

	batch := sess.GetBatchState()
	require.Equal(t, 2, len(batch.Photos))
	require.Equal(t, session.PhotoComplete, batch.Photos[0].Status)
	require.Equal(t, 2, batch.TotalBooksFound) // one match per photo, not yet deduped at the BatchState level
}

func TestShelfScanRejectsTooManyImages(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	sess := session.New(ctx, "scan-job-2", redisClient, nil)

	d := &drivers.ShelfScan{Blob: blob.NewMemStore(), Scanner: &scanner.FixedProvider{}}
	images := make([][]byte, 6)
	for i := range images {
		images[i] = []byte("x")
	}
	err := d.Run(ctx, sess, images)
	require.Error(t, err)
}

// cancelingScanner cancels the batch as a side effect of scanning the first
// photo, simulating a client-requested cancellation arriving mid-flight.
type cancelingScanner struct {
	sess   *session.Session
	ctx    context.Context
	cancelOn int
	calls  int
}

func (c *cancelingScanner) ScanPhoto(ctx context.Context, photo []byte) ([]scanner.FoundBook, error) {
	defer func() { c.calls++ }()
	if c.calls == c.cancelOn {
		_ = c.sess.CancelBatch(c.ctx)
	}
	return []scanner.FoundBook{{Title: "Dune", Confidence: 0.5}}, nil
}

func TestShelfScanSkipsRemainingAfterMidFlightCancel(t *testing.T) {
	ctx := context.Background()
	redisClient := testkit.StartRedis(t)
	sess := session.New(ctx, "scan-job-3", redisClient, nil)

	store := blob.NewMemStore()
	scan := &cancelingScanner{sess: sess, ctx: ctx, cancelOn: 0}
	d := &drivers.ShelfScan{Blob: store, Scanner: scan}

	err := d.Run(ctx, sess, [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")})
	require.NoError(t, err)

	batch := sess.GetBatchState()
	require.Equal(t, session.PhotoComplete, batch.Photos[0].Status)
	require.Equal(t, session.PhotoSkipped, batch.Photos[1].Status)
	require.Equal(t, session.PhotoSkipped, batch.Photos[2].Status)
}
