package session

import (
	"context"
	"fmt"
)

// PhotoStatus is one shelf_scan photo's processing state (§3).
type PhotoStatus string

const (
	PhotoQueued     PhotoStatus = "queued"
	PhotoProcessing PhotoStatus = "processing"
	PhotoComplete   PhotoStatus = "complete"
	PhotoError      PhotoStatus = "error"
	PhotoSkipped    PhotoStatus = "skipped"
)

// Photo is one slot in a shelf_scan BatchState.
type Photo struct {
	Status     PhotoStatus `json:"status"`
	BooksFound int         `json:"booksFound"`
	Error      string      `json:"error,omitempty"`
}

// BatchState is the shelf_scan-only extension of a Session's persisted
// state (§3): 1 <= len(Photos) <= 5.
type BatchState struct {
	Photos           []Photo `json:"photos"`
	TotalBooksFound  int     `json:"totalBooksFound"`
	CancelRequested  bool    `json:"cancelRequested"`
	CurrentPhoto     int     `json:"currentPhoto"`
}

// ErrInvalidPhotoCount is returned by InitBatch outside the 1..5 range.
var ErrInvalidPhotoCount = fmt.Errorf("session: shelf_scan batch size must be 1..5")

// ErrPhotoIndexOutOfRange is returned by UpdatePhoto for index >= N.
var ErrPhotoIndexOutOfRange = fmt.Errorf("session: photo index out of range")

// InitBatch creates a BatchState with n photos, all initially queued.
func (s *Session) InitBatch(ctx context.Context, n int) error {
	if n < 1 || n > 5 {
		return ErrInvalidPhotoCount
	}
	var persistErr error
	s.do(func(st *sessionState) {
		photos := make([]Photo, n)
		for i := range photos {
			photos[i] = Photo{Status: PhotoQueued}
		}
		st.batch = &BatchState{Photos: photos}
		persistErr = s.persistBatch(ctx, st.batch)
	})
	return persistErr
}

// UpdatePhoto rewrites photo index's slot, recomputes TotalBooksFound, and
// enqueues a batch-progress envelope (§4.E batch extension).
func (s *Session) UpdatePhoto(ctx context.Context, index int, status PhotoStatus, booksFound int, photoErr string) error {
	var persistErr error
	var snapshot BatchState
	s.do(func(st *sessionState) {
		if st.batch == nil {
			persistErr = fmt.Errorf("session: UpdatePhoto called with no batch initialized")
			return
		}
		if index < 0 || index >= len(st.batch.Photos) {
			persistErr = ErrPhotoIndexOutOfRange
			return
		}
		st.batch.Photos[index] = Photo{Status: status, BooksFound: booksFound, Error: photoErr}
		st.batch.CurrentPhoto = index
		total := 0
		for _, p := range st.batch.Photos {
			total += p.BooksFound
		}
		st.batch.TotalBooksFound = total
		persistErr = s.persistBatch(ctx, st.batch)
		snapshot = *st.batch
	})
	if persistErr != nil {
		return persistErr
	}
	job := s.GetJobState()
	s.enqueue(Envelope{
		Type:      TypeBatchProgress,
		JobID:     s.jobID,
		Pipeline:  job.Pipeline,
		Timestamp: nowMillis(),
		Version:   envelopeVersion,
		Payload:   snapshot,
	}, kindProgress)
	return nil
}

// CompleteBatch emits the terminal batch-complete envelope and transitions
// the owning Job to complete.
func (s *Session) CompleteBatch(ctx context.Context, payload any) error {
	s.enqueue(Envelope{
		Type:      TypeBatchComplete,
		JobID:     s.jobID,
		Timestamp: nowMillis(),
		Version:   envelopeVersion,
		Payload:   payload,
	}, kindTerminal)
	s.scheduleSocketClose()
	return s.CompleteJobState(ctx, nil)
}

// GetBatchState returns a snapshot of the current shelf_scan BatchState, or
// the zero value if InitBatch was never called.
func (s *Session) GetBatchState() BatchState {
	var snapshot BatchState
	s.do(func(st *sessionState) {
		if st.batch != nil {
			snapshot = *st.batch
		}
	})
	return snapshot
}

// IsBatchCanceled reports whether CancelBatch has been called for this
// Session's shelf_scan batch.
func (s *Session) IsBatchCanceled() bool {
	var canceled bool
	s.do(func(st *sessionState) {
		if st.batch != nil {
			canceled = st.batch.CancelRequested
		}
	})
	return canceled
}

// CancelBatch marks the batch canceled and emits a batch-canceling
// envelope; the driver observes IsBatchCanceled at its next photo boundary.
func (s *Session) CancelBatch(ctx context.Context) error {
	var persistErr error
	s.do(func(st *sessionState) {
		if st.batch == nil {
			return
		}
		st.batch.CancelRequested = true
		persistErr = s.persistBatch(ctx, st.batch)
	})
	s.enqueue(Envelope{Type: TypeBatchCanceling, JobID: s.jobID, Timestamp: nowMillis(), Version: envelopeVersion}, kindNormal)
	return persistErr
}
