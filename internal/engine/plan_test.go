package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSegmentsCoverage(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int64
		count     int
	}{
		{size: 1, chunkSize: 1, count: 1},
		{size: 10, chunkSize: 3, count: 4},
		{size: 100, chunkSize: 100, count: 1},
		{size: 100, chunkSize: 99, count: 2},
		{size: 1000, chunkSize: 1, count: 1000},
		{size: 10_000_000, chunkSize: 1_048_576, count: 10},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("size=%d_chunk=%d", tc.size, tc.chunkSize), func(t *testing.T) {
			segments := PlanSegments(tc.size, tc.chunkSize, "out.bin")
			require.Len(t, segments, tc.count)

			// Contiguous, non-overlapping, covering exactly [0, size)
			assert.Equal(t, int64(0), segments[0].Start)
			assert.Equal(t, tc.size-1, segments[len(segments)-1].End)
			var total int64
			for i, seg := range segments {
				assert.Equal(t, i, seg.Index)
				if i > 0 {
					assert.Equal(t, segments[i-1].End+1, seg.Start, "segment %d not contiguous", i)
				}
				if i < len(segments)-1 {
					assert.Equal(t, tc.chunkSize, seg.Size(), "non-final segment %d not full sized", i)
				}
				total += seg.Size()
			}
			assert.Equal(t, tc.size, total)
		})
	}
}

func TestPlanSegmentsRemainder(t *testing.T) {
	// 9 full 1MiB segments plus one remainder
	segments := PlanSegments(10_000_000, 1_048_576, "out.bin")
	require.Len(t, segments, 10)
	for i := 0; i < 9; i++ {
		assert.Equal(t, int64(1_048_576), segments[i].Size())
	}
	assert.Equal(t, int64(10_000_000-9*1_048_576), segments[9].Size())
}

func TestPlanSegmentsExactMultiple(t *testing.T) {
	segments := PlanSegments(4096, 1024, "out.bin")
	require.Len(t, segments, 4)
	assert.Equal(t, int64(1024), segments[3].Size())
}

func TestPlanSegmentsEmptyResource(t *testing.T) {
	assert.Empty(t, PlanSegments(0, 1024, "out.bin"))
}

func TestPlanWorkersClampedToSegmentCount(t *testing.T) {
	plan := &multiSegmentPlan{segs: PlanSegments(300, 100, "out.bin")}
	assert.Equal(t, 3, plan.workers(10))
	assert.Equal(t, 2, plan.workers(2))
	assert.True(t, plan.ranged())
}

func TestSingleStreamPlan(t *testing.T) {
	plan := newSingleStreamPlan(500, "out.bin")
	require.Len(t, plan.segments(), 1)
	assert.Equal(t, int64(499), plan.segments()[0].End)
	assert.Equal(t, 1, plan.workers(8))
	assert.False(t, plan.ranged())

	unbounded := newSingleStreamPlan(SizeUnknown, "out.bin")
	assert.Equal(t, SizeUnknown, unbounded.segments()[0].End)
	assert.Equal(t, SizeUnknown, unbounded.segments()[0].Size())
}

func TestSegmentTempPath(t *testing.T) {
	path := segmentTempPath(filepath.Join("downloads", "file.tar.gz"), 3)
	assert.Equal(t, filepath.Join("downloads", ".parafetch-temp", "file.tar.gz.part3"), path)
}
