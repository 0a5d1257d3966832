package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"backend/internal/session"
	"backend/internal/testkit"
)

func newTestSession(t *testing.T, jobID string) *session.Session {
	client := testkit.StartRedis(t)
	return session.New(context.Background(), jobID, client, nil)
}

func TestInitJobStateThenUpdateVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-1")

	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 10))
	job := s.GetJobState()
	require.Equal(t, 1, job.Version)
	require.Equal(t, session.StatusRunning, job.Status)

	for i := 1; i <= 5; i++ {
		n := i
		_, err := s.UpdateJobState(ctx, session.JobPatch{ProcessedCount: &n})
		require.NoError(t, err)
	}
	job = s.GetJobState()
	require.Equal(t, 2, job.Version) // batch_enrichment threshold is 5 updates
	require.Equal(t, 5, job.ProcessedCount)
}

func TestUpdateJobStateNoopAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-2")
	require.NoError(t, s.InitJobState(ctx, "shelf_scan", 1))
	require.NoError(t, s.CompleteJobState(ctx, nil))

	versionBefore := s.GetJobState().Version
	n := 99
	persisted, err := s.UpdateJobState(ctx, session.JobPatch{ProcessedCount: &n})
	require.NoError(t, err)
	require.False(t, persisted)
	job := s.GetJobState()
	require.Equal(t, versionBefore, job.Version)
	require.Equal(t, session.StatusComplete, job.Status)
}

func TestSetAndRefreshAuthToken(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-3")
	require.NoError(t, s.InitJobState(ctx, "csv_import", 1))

	token, err := s.SetAuthToken(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, _, err = s.RefreshAuthToken(ctx, token)
	require.ErrorIs(t, err, session.ErrRefreshTooEarly)

	_, _, err = s.RefreshAuthToken(ctx, "wrong-token")
	require.ErrorIs(t, err, session.ErrTokenInvalid)
}

func TestRefreshAuthTokenWithinWindowSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-4")
	require.NoError(t, s.InitJobState(ctx, "csv_import", 1))

	token, err := s.SetAuthToken(ctx, session.TRefresh-time.Second)
	require.NoError(t, err)

	newToken, expiresIn, err := s.RefreshAuthToken(ctx, token)
	require.NoError(t, err)
	require.NotEqual(t, token, newToken)
	require.Equal(t, session.TAuth, expiresIn)

	_, _, err = s.RefreshAuthToken(ctx, token)
	require.ErrorIs(t, err, session.ErrTokenInvalid)
}

func TestCancelIsIdempotentAndSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-5")
	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 1))

	s.Cancel(ctx, "user requested")
	require.True(t, s.IsCanceled())
	job := s.GetJobState()
	require.Equal(t, session.StatusCanceled, job.Status)

	s.Cancel(ctx, "user requested again")
	require.True(t, s.IsCanceled())
}

func TestScheduleDelayedAndFireAlarmRunsCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-6")
	require.NoError(t, s.InitJobState(ctx, "shelf_scan", 1))
	require.NoError(t, s.CompleteJobState(ctx, nil))

	// CompleteJobState already armed the cleanup alarm; firing it should
	// not error even though no custom handler is registered.
	err := s.FireAlarm(ctx, map[string]session.AlarmHandler{})
	require.NoError(t, err)
}

func TestUpgradeSocketRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-7")
	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 1))
	_, err := s.SetAuthToken(ctx, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.UpgradeSocket(w, r, "wrong-token")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
}

func TestUpgradeSocketRejectsSecondConcurrentUpgrade(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-8")
	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 1))
	token, err := s.SetAuthToken(ctx, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.UpgradeSocket(w, r, token)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn1.Close()

	time.Sleep(50 * time.Millisecond)

	conn2, resp2, err2 := websocket.DefaultDialer.Dial(wsURL, nil)
	if err2 == nil {
		conn2.Close()
		t.Fatal("expected second concurrent upgrade to fail")
	}
	if resp2 != nil {
		resp2.Body.Close()
	}
}

func TestWaitForReadyTimesOutWithoutReadyMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-9")
	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 1))
	token, err := s.SetAuthToken(ctx, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.UpgradeSocket(w, r, token)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	outcome := s.WaitForReady(ctx, 100*time.Millisecond)
	require.Equal(t, session.ReadyTimedOut, outcome)
}

func TestWaitForReadyRespondsToReadyMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-10")
	require.NoError(t, s.InitJobState(ctx, "batch_enrichment", 1))
	token, err := s.SetAuthToken(ctx, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.UpgradeSocket(w, r, token)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ready"}))

	outcome := s.WaitForReady(ctx, 2*time.Second)
	require.Equal(t, session.ReadyOK, outcome)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), string(session.TypeReadyAck))
}

func TestShelfScanBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-11")
	require.NoError(t, s.InitJobState(ctx, "shelf_scan", 3))
	require.NoError(t, s.InitBatch(ctx, 3))

	require.NoError(t, s.UpdatePhoto(ctx, 0, session.PhotoComplete, 4, ""))
	require.NoError(t, s.UpdatePhoto(ctx, 1, session.PhotoError, 0, "decode failed"))
	require.False(t, s.IsBatchCanceled())

	require.NoError(t, s.CancelBatch(ctx))
	require.True(t, s.IsBatchCanceled())

	err := s.UpdatePhoto(ctx, 99, session.PhotoComplete, 1, "")
	require.ErrorIs(t, err, session.ErrPhotoIndexOutOfRange)
}

func TestInitBatchRejectsOutOfRangeCount(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, "job-12")
	require.NoError(t, s.InitJobState(ctx, "shelf_scan", 0))

	require.ErrorIs(t, s.InitBatch(ctx, 0), session.ErrInvalidPhotoCount)
	require.ErrorIs(t, s.InitBatch(ctx, 6), session.ErrInvalidPhotoCount)
}
