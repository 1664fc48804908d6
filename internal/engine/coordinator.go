package engine

import (
	"context"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parafetch/parafetch/internal/progress"
	"github.com/parafetch/parafetch/internal/utils"
)

// MaxWorkerCount is the hard validation bound on requested workers. Requests
// outside 1..MaxWorkerCount are rejected before any network activity; the
// softer Options.MaxWorkers clamp is applied afterwards.
const MaxWorkerCount = 10000

// Coordinator orchestrates one transfer: probing, planning, dispatching
// fetchers with bounded concurrency, and final assembly. It has exclusive
// authority over the state machine.
type Coordinator struct {
	req    TransferRequest
	opts   Options
	client *utils.HTTPClient
	agg    *progress.Aggregator
	id     uuid.UUID
	log    zerolog.Logger

	state atomic.Int32

	mu         sync.Mutex
	info       ResourceInfo
	segments   []*Segment
	outputPath string
	startTime  time.Time
}

// New validates the request and builds a coordinator. Validation failures
// are ConfigErrors; no network activity happens here.
func New(req TransferRequest, opts Options) (*Coordinator, error) {
	parsedURL, err := url.Parse(req.URL)
	if err != nil {
		return nil, configErr("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, configErr("unsupported scheme: %s", parsedURL.Scheme)
	}
	if req.Workers < 1 || req.Workers > MaxWorkerCount {
		return nil, configErr("worker count %d outside allowed range 1-%d", req.Workers, MaxWorkerCount)
	}
	if req.ChunkSize <= 0 {
		return nil, configErr("chunk size must be positive, got %d", req.ChunkSize)
	}
	opts = opts.withDefaults()
	opts.HTTPClientConfig.HighThreadMode = req.Workers > 5

	id := uuid.New()
	return &Coordinator{
		req:        req,
		opts:       opts,
		client:     utils.NewHTTPClient(opts.HTTPClientConfig),
		agg:        progress.NewAggregator(progress.UnknownTotal),
		id:         id,
		log:        utils.GetLogger("coordinator").With().Str("transfer", id.String()).Logger(),
		outputPath: req.OutputPath,
	}, nil
}

// Run drives the transfer to complete or aborted. Cancelling ctx stops all
// in-flight fetchers, purges temporary artifacts, and leaves no partial
// destination file.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()

	c.setState(StateProbing)
	info, err := probe(ctx, c.client, c.req.URL, c.opts.ProbeAttempts)
	if err != nil {
		c.setState(StateAborted)
		return err
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	c.agg.SetTotal(info.Size)

	outputPath, err := c.resolveOutputPath(info)
	if err != nil {
		c.setState(StateAborted)
		return err
	}

	plan, done, err := c.buildPlan(info, outputPath)
	if err != nil {
		c.abort(nil)
		return err
	}
	if done {
		// Empty resource: zero segments, immediately-done transfer.
		c.setState(StateComplete)
		return nil
	}
	segments := plan.segments()
	c.mu.Lock()
	c.segments = segments
	c.mu.Unlock()

	if err := os.MkdirAll(tempDirFor(outputPath), 0755); err != nil {
		c.setState(StateAborted)
		return assemblyErr("error creating temp directory: %v", err)
	}

	c.setState(StateFetching)
	if err := c.runFetchers(ctx, plan, info); err != nil {
		c.abort(segments)
		return err
	}

	c.setState(StateAssembling)
	expectedSize := info.Size
	if !plan.ranged() && segments[0].End == SizeUnknown {
		// Size never learned; the stream's byte count is the truth.
		expectedSize = SizeUnknown
	}
	if err := assemble(outputPath, segments, expectedSize); err != nil {
		c.abort(segments)
		return err
	}
	os.Remove(tempDirFor(outputPath)) // fails while non-empty, fine

	c.setState(StateComplete)
	c.log.Debug().Str("output", outputPath).Int64("bytes", c.agg.Done()).Dur("elapsed", time.Since(c.startTime)).Msg("Transfer complete")
	return nil
}

// runFetchers dispatches segments to a bounded worker pool, lowest pending
// index first. Default policy is fail-fast: the first exhausted segment
// cancels the rest; with WaitAll the pool settles before the error surfaces.
func (c *Coordinator) runFetchers(ctx context.Context, plan transferPlan, info ResourceInfo) error {
	segments := plan.segments()
	workers := c.req.Workers
	if workers > c.opts.MaxWorkers {
		workers = c.opts.MaxWorkers
	}
	workers = plan.workers(workers)

	var limiter *rate.Limiter
	if c.opts.RateLimit > 0 {
		burst := utils.DefaultBufferSize
		if c.opts.RateLimit > int64(burst) {
			burst = int(c.opts.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(c.opts.RateLimit), burst)
	}
	f := &fetcher{
		client:     c.client,
		url:        info.FinalURL,
		agg:        c.agg,
		limiter:    limiter,
		maxRetries: c.opts.MaxRetries,
		backoff:    c.opts.RetryBackoff,
		log:        utils.GetLogger("fetcher").With().Str("transfer", c.id.String()).Logger(),
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *Segment)
	go func() {
		defer close(jobs)
		for _, seg := range segments {
			select {
			case jobs <- seg:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range jobs {
				var err error
				if plan.ranged() {
					err = f.fetchSegment(fetchCtx, seg)
				} else {
					err = f.fetchStream(fetchCtx, seg)
				}
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					if !c.opts.WaitAll {
						cancel()
					}
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	for _, seg := range segments {
		if seg.State() != SegmentDone {
			return segmentErr("segment %d never completed (state %s)", seg.Index, seg.State())
		}
	}
	return nil
}

func (c *Coordinator) buildPlan(info ResourceInfo, outputPath string) (transferPlan, bool, error) {
	if !info.SupportsRange {
		c.log.Debug().Str("url", info.FinalURL).Msg("Range requests not supported, using single stream")
		return newSingleStreamPlan(info.Size, outputPath), false, nil
	}
	c.setState(StatePlanning)
	segments := PlanSegments(info.Size, c.req.ChunkSize, outputPath)
	if len(segments) == 0 {
		destFile, err := os.Create(outputPath)
		if err != nil {
			return nil, false, assemblyErr("error creating output file: %v", err)
		}
		destFile.Close()
		return nil, true, nil
	}
	c.log.Debug().Int("segments", len(segments)).Int64("chunkSize", c.req.ChunkSize).Msg("Planned segments")
	return &multiSegmentPlan{segs: segments}, false, nil
}

// resolveOutputPath derives the destination from the probe result when the
// request left it empty, and short-circuits when the destination already
// holds the full resource.
func (c *Coordinator) resolveOutputPath(info ResourceInfo) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	derived := c.outputPath == ""
	if derived {
		if info.FileName != "" {
			c.outputPath = info.FileName
		} else {
			c.outputPath = filenameFromURL(info.FinalURL)
		}
	}
	if existing, err := os.Stat(c.outputPath); err == nil {
		if info.Size >= 0 && existing.Size() == info.Size {
			return "", ErrAlreadyComplete
		}
		if derived {
			c.outputPath = utils.RenewOutputPath(c.outputPath)
		}
	}
	return c.outputPath, nil
}

// abort transitions to the terminal aborted state and purges temporary
// artifacts. The destination is never touched here: assembly removes its own
// partial output, and before assembly no destination exists.
func (c *Coordinator) abort(segments []*Segment) {
	c.setState(StateAborted)
	for _, seg := range segments {
		os.Remove(seg.TempPath)
	}
	c.mu.Lock()
	outputPath := c.outputPath
	c.mu.Unlock()
	if len(segments) > 0 {
		os.Remove(tempDirFor(outputPath)) // fails while non-empty, fine
	}
	c.log.Debug().Msg("Transfer aborted, temporary artifacts purged")
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// State reports the coordinator's position in its lifecycle.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Progress returns a snapshot for the display layer; safe at any cadence
// concurrently with in-flight fetchers.
func (c *Coordinator) Progress() progress.Snapshot {
	return c.agg.Snapshot()
}

// Info returns the probed resource metadata. Zero value before probing ends.
func (c *Coordinator) Info() ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// OutputPath returns the resolved destination. Before probing it echoes the
// requested path, which may be empty.
func (c *Coordinator) OutputPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputPath
}

// Segments returns the planned segments for inspection; fetchers own their
// mutable fields, so callers read counters and states only.
func (c *Coordinator) Segments() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments
}

// ID identifies this transfer in logs.
func (c *Coordinator) ID() uuid.UUID {
	return c.id
}
