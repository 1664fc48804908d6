package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parafetch/parafetch/internal/progress"
	"github.com/parafetch/parafetch/internal/utils"
)

// fetcher retrieves segments into their temp files, streaming byte counts
// into the aggregator as data arrives. One fetcher instance is shared by all
// workers; per-segment state lives on the Segment itself.
type fetcher struct {
	client     utils.HTTPDoer
	url        string
	agg        *progress.Aggregator
	limiter    *rate.Limiter // nil when unlimited
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
}

// fetchSegment performs a range-bounded fetch with bounded retries. Progress
// within the segment resumes from the last persisted byte on retry; a
// non-206 success response is non-retriable because the server stopped
// honoring ranges.
func (f *fetcher) fetchSegment(ctx context.Context, seg *Segment) error {
	log := f.log.With().Int("segment", seg.Index).Logger()
	seg.setState(SegmentInProgress)
	expected := seg.Size()

	resumeOffset := int64(0)
	if fileInfo, err := os.Stat(seg.TempPath); err == nil {
		size := fileInfo.Size()
		switch {
		case size == expected:
			log.Debug().Int64("size", size).Msg("Segment already persisted, skipping")
			f.credit(seg, expected)
			seg.setState(SegmentDone)
			return nil
		case size > 0 && size < expected:
			log.Debug().Int64("size", size).Int64("total", expected).Msg("Resuming incomplete segment")
			resumeOffset = size
			f.credit(seg, size)
		default:
			log.Warn().Int64("size", size).Int64("expected", expected).Msg("Temp file larger than expected, restarting segment")
			os.Remove(seg.TempPath)
		}
	}

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt+1).Int("maxRetries", f.maxRetries).Msg("Retrying segment")
			select {
			case <-ctx.Done():
				return f.fail(seg, ctx.Err())
			case <-time.After(time.Duration(attempt) * f.backoff):
			}
			resumeOffset = f.reconcile(seg, expected)
		}
		err := f.fetchRangeOnce(ctx, seg, resumeOffset)
		if err == nil {
			seg.setState(SegmentDone)
			return nil
		}
		if ctx.Err() != nil {
			return f.fail(seg, ctx.Err())
		}
		if errors.Is(err, errRangeRejected) {
			log.Error().Err(err).Msg("Non-retriable response for segment")
			return f.fail(seg, segmentErr("segment %d: %v", seg.Index, err))
		}
		log.Error().Err(err).Int("attempt", attempt+1).Msg("Error fetching segment")
		lastErr = err
	}
	return f.fail(seg, segmentErr("segment %d failed after %d attempts: %v", seg.Index, f.maxRetries, lastErr))
}

// fetchStream retrieves the entire body with one unranged request, for
// servers without range support. Retries restart from the beginning.
func (f *fetcher) fetchStream(ctx context.Context, seg *Segment) error {
	log := f.log.With().Int("segment", seg.Index).Logger()
	seg.setState(SegmentInProgress)

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt+1).Int("maxRetries", f.maxRetries).Msg("Retrying stream")
			select {
			case <-ctx.Done():
				return f.fail(seg, ctx.Err())
			case <-time.After(time.Duration(attempt) * f.backoff):
			}
			// No partial resumption without ranges; roll progress back.
			f.credit(seg, 0-seg.Fetched())
			os.Remove(seg.TempPath)
		}
		err := f.fetchStreamOnce(ctx, seg)
		if err == nil {
			seg.setState(SegmentDone)
			return nil
		}
		if ctx.Err() != nil {
			return f.fail(seg, ctx.Err())
		}
		log.Error().Err(err).Int("attempt", attempt+1).Msg("Error streaming body")
		lastErr = err
	}
	return f.fail(seg, segmentErr("stream failed after %d attempts: %v", f.maxRetries, lastErr))
}

func (f *fetcher) fetchRangeOnce(ctx context.Context, seg *Segment, resumeOffset int64) error {
	tempFile, err := openTemp(seg.TempPath, resumeOffset)
	if err != nil {
		return err
	}
	defer tempFile.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", seg.rangeHeader(resumeOffset))
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: status %d", errRangeRejected, resp.StatusCode)
	}
	if resp.Header.Get("Content-Range") == "" {
		return errors.New("missing Content-Range header")
	}

	remaining := seg.End - (seg.Start + resumeOffset) + 1
	newBytes, err := f.copyBody(ctx, tempFile, resp.Body, seg)
	if err != nil {
		return err
	}
	if newBytes != remaining {
		return fmt.Errorf("size mismatch: expected %d remaining bytes, got %d this attempt", remaining, newBytes)
	}
	if got := seg.Fetched(); got != seg.Size() {
		return fmt.Errorf("total size mismatch: expected %d bytes, got %d", seg.Size(), got)
	}
	return nil
}

func (f *fetcher) fetchStreamOnce(ctx context.Context, seg *Segment) error {
	tempFile, err := openTemp(seg.TempPath, 0)
	if err != nil {
		return err
	}
	defer tempFile.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	// Some servers reveal the length only on GET.
	if resp.ContentLength >= 0 && seg.End == SizeUnknown {
		f.agg.SetTotal(resp.ContentLength)
	}

	newBytes, err := f.copyBody(ctx, tempFile, resp.Body, seg)
	if err != nil {
		return err
	}
	if seg.End != SizeUnknown && newBytes != seg.Size() {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", seg.Size(), newBytes)
	}
	return nil
}

// copyBody streams the response into the temp file, incrementing counters as
// data arrives so live progress reflects in-flight segments.
func (f *fetcher) copyBody(ctx context.Context, dst *os.File, src io.Reader, seg *Segment) (int64, error) {
	buffer := make([]byte, utils.DefaultBufferSize)
	var newBytes int64
	for {
		bytesRead, err := src.Read(buffer)
		if bytesRead > 0 {
			if f.limiter != nil {
				if werr := f.limiter.WaitN(ctx, bytesRead); werr != nil {
					return newBytes, werr
				}
			}
			if _, writeErr := dst.Write(buffer[:bytesRead]); writeErr != nil {
				return newBytes, writeErr
			}
			newBytes += int64(bytesRead)
			f.credit(seg, int64(bytesRead))
		}
		if err != nil {
			if err == io.EOF {
				return newBytes, nil
			}
			return newBytes, err
		}
	}
}

// credit moves the segment counter and the aggregate together so neither can
// drift from the other. delta may be negative on reset.
func (f *fetcher) credit(seg *Segment, delta int64) {
	if delta == 0 {
		return
	}
	seg.fetched.Add(delta)
	f.agg.Add(delta)
}

// reconcile rolls the segment's counters back to the last successfully
// persisted byte offset before a retry and returns the resume offset.
func (f *fetcher) reconcile(seg *Segment, expected int64) int64 {
	persisted := int64(0)
	if fileInfo, err := os.Stat(seg.TempPath); err == nil {
		persisted = fileInfo.Size()
	}
	if persisted > expected {
		os.Remove(seg.TempPath)
		persisted = 0
	}
	if diff := persisted - seg.Fetched(); diff != 0 {
		f.credit(seg, diff)
	}
	return persisted
}

func (f *fetcher) fail(seg *Segment, err error) error {
	seg.lastErr = err
	seg.setState(SegmentFailed)
	return err
}

func openTemp(path string, resumeOffset int64) (*os.File, error) {
	flag := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	tempFile, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening temp file: %v", err)
	}
	return tempFile, nil
}
