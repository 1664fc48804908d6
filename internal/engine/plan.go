package engine

import (
	"fmt"
	"path/filepath"

	"github.com/parafetch/parafetch/internal/utils"
)

// PlanSegments divides [0, size) into contiguous segments of chunkSize each,
// the last holding the remainder. Segment index order equals byte order; the
// assembler relies on nothing else. size = 0 yields zero segments.
func PlanSegments(size, chunkSize int64, outputPath string) []*Segment {
	if size <= 0 {
		return nil
	}
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	segments := make([]*Segment, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		segments = append(segments, &Segment{
			Index:    int(i),
			Start:    start,
			End:      end,
			TempPath: segmentTempPath(outputPath, int(i)),
		})
	}
	return segments
}

// segmentTempPath keys one discrete temporary file by the destination path
// and segment index.
func segmentTempPath(outputPath string, index int) string {
	tempDir := filepath.Join(filepath.Dir(outputPath), utils.TempDirName)
	return filepath.Join(tempDir, fmt.Sprintf("%s.part%d", filepath.Base(outputPath), index))
}

func tempDirFor(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), utils.TempDirName)
}

// transferPlan is the fallback branch point: a ranged multi-segment plan or
// a single-stream plan, dispatched uniformly by the coordinator.
type transferPlan interface {
	segments() []*Segment
	// workers returns the effective pool size for the requested count, never
	// exceeding the number of segments.
	workers(requested int) int
	// ranged reports whether fetchers issue byte-range requests.
	ranged() bool
}

type multiSegmentPlan struct {
	segs []*Segment
}

func (p *multiSegmentPlan) segments() []*Segment { return p.segs }

func (p *multiSegmentPlan) workers(requested int) int {
	if requested > len(p.segs) {
		return len(p.segs)
	}
	return requested
}

func (p *multiSegmentPlan) ranged() bool { return true }

// singleStreamPlan covers the whole body with one unranged fetch, used when
// the server rejects ranges or hides the resource size.
type singleStreamPlan struct {
	seg *Segment
}

func newSingleStreamPlan(size int64, outputPath string) *singleStreamPlan {
	end := size - 1
	if size <= 0 {
		end = SizeUnknown
	}
	return &singleStreamPlan{seg: &Segment{
		Index:    0,
		Start:    0,
		End:      end,
		TempPath: segmentTempPath(outputPath, 0),
	}}
}

func (p *singleStreamPlan) segments() []*Segment { return []*Segment{p.seg} }

func (p *singleStreamPlan) workers(int) int { return 1 }

func (p *singleStreamPlan) ranged() bool { return false }
