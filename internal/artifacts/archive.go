// Package artifacts stores run transcripts in the object store. A transcript
// is the harness's full JSONL event log, written once at terminal transition
// and immutable afterwards.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

const transcriptContentType = "application/x-ndjson"

var ErrTranscriptNotFound = errors.New("transcript not found")

type Archive struct {
	store  *minio.Client
	bucket string
}

func NewArchive(store *minio.Client, bucket string) (*Archive, error) {
	if store == nil {
		return nil, errors.New("object store client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archive{store: store, bucket: bucket}, nil
}

// TranscriptKey is the object key layout shared by writer and reader.
func TranscriptKey(runID string) string {
	return fmt.Sprintf("runs/%s/transcript.jsonl", runID)
}

func (a *Archive) PutTranscript(ctx context.Context, runID string, transcript []byte) error {
	_, err := a.store.PutObject(
		ctx,
		a.bucket,
		TranscriptKey(runID),
		bytes.NewReader(transcript),
		int64(len(transcript)),
		minio.PutObjectOptions{ContentType: transcriptContentType},
	)
	if err != nil {
		return fmt.Errorf("put transcript: %w", err)
	}
	return nil
}

// OpenTranscript returns a reader over the stored transcript. The caller
// owns closing it. Missing objects map to ErrTranscriptNotFound.
func (a *Archive) OpenTranscript(ctx context.Context, runID string) (io.ReadCloser, error) {
	obj, err := a.store.GetObject(ctx, a.bucket, TranscriptKey(runID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	// GetObject is lazy; Stat forces the first round-trip so absence
	// surfaces here instead of on first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	return obj, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return false
}
