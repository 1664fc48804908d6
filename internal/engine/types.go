package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/parafetch/parafetch/internal/utils"
)

// TransferRequest describes one download. Immutable once the transfer starts.
type TransferRequest struct {
	URL        string
	OutputPath string // derived from the URL when empty
	Workers    int
	ChunkSize  int64
}

// ResourceInfo is produced once by the prober and read-only afterward.
type ResourceInfo struct {
	Size          int64 // SizeUnknown when the server did not report one
	SupportsRange bool
	FileName      string // from Content-Disposition, may be empty
	FinalURL      string // after redirects
}

// SizeUnknown is the ResourceInfo.Size value for servers that report no
// usable Content-Length.
const SizeUnknown int64 = -1

type SegmentState int32

const (
	SegmentPending SegmentState = iota
	SegmentInProgress
	SegmentDone
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInProgress:
		return "in-progress"
	case SegmentDone:
		return "done"
	case SegmentFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Segment is one contiguous byte range of the resource. The owning fetcher
// has exclusive write access to the counter and temp file; the coordinator
// reads states only after all fetchers settle.
type Segment struct {
	Index    int
	Start    int64
	End      int64 // inclusive; SizeUnknown for an unbounded single stream
	TempPath string

	state   atomic.Int32
	fetched atomic.Int64
	lastErr error // written by the owning fetcher before it marks failed
}

// Size returns the segment length in bytes, or SizeUnknown for an unbounded
// stream segment.
func (s *Segment) Size() int64 {
	if s.End == SizeUnknown {
		return SizeUnknown
	}
	return s.End - s.Start + 1
}

func (s *Segment) State() SegmentState {
	return SegmentState(s.state.Load())
}

func (s *Segment) setState(st SegmentState) {
	s.state.Store(int32(st))
}

func (s *Segment) Fetched() int64 {
	return s.fetched.Load()
}

// Err returns the error that exhausted the segment's retries, if any. Only
// meaningful once the segment reached the failed state.
func (s *Segment) Err() error {
	return s.lastErr
}

func (s *Segment) rangeHeader(offset int64) string {
	return fmt.Sprintf("bytes=%d-%d", s.Start+offset, s.End)
}

// State is the coordinator's position in its lifecycle. Transitions are
// owned exclusively by the coordinator.
type State int32

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateFetching
	StateAssembling
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateAssembling:
		return "assembling"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Options configures a coordinator at construction. Limits live here rather
// than as package-level constants.
type Options struct {
	// MaxWorkers caps the effective worker pool. Requested worker counts
	// above it are clamped, not rejected. Default 64.
	MaxWorkers int

	// MaxRetries bounds attempts per segment. Default 5.
	MaxRetries int

	// ProbeAttempts bounds the metadata probe. Default 3.
	ProbeAttempts int

	// RetryBackoff is the base backoff between segment attempts; attempt n
	// waits n*RetryBackoff. Default 500ms.
	RetryBackoff time.Duration

	// RateLimit caps transfer throughput in bytes/sec across all segments.
	// Zero means unlimited.
	RateLimit int64

	// WaitAll makes the coordinator let remaining segments settle after a
	// segment exhausts its retries instead of failing fast.
	WaitAll bool

	// HTTPClientConfig configures the shared HTTP client.
	HTTPClientConfig utils.HTTPClientConfig
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 64
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	return o
}
