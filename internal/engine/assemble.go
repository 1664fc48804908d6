package engine

import (
	"errors"
	"io"
	"os"

	"github.com/parafetch/parafetch/internal/utils"
)

// assemble concatenates completed segments into the destination in index
// order, verifies the final size, and only then purges the temporaries. The
// ordering matters: a failure can leave temp files behind (the coordinator
// purges them on abort) but never a half-written destination with its
// temporaries already gone.
func assemble(outputPath string, segments []*Segment, expectedSize int64) error {
	log := utils.GetLogger("assembler")
	for _, seg := range segments {
		if seg.State() != SegmentDone {
			return assemblyErr("segment %d not completed (state %s)", seg.Index, seg.State())
		}
	}

	totalWritten, err := concatSegments(outputPath, segments)
	if err != nil {
		os.Remove(outputPath)
		return assemblyErr("error writing destination: %v", err)
	}
	if expectedSize >= 0 && totalWritten != expectedSize {
		os.Remove(outputPath)
		return assemblyErr("total written bytes (%d) doesn't match expected file size (%d)", totalWritten, expectedSize)
	}

	for _, seg := range segments {
		os.Remove(seg.TempPath)
	}
	log.Debug().Int64("totalBytes", totalWritten).Str("outputFile", outputPath).Msg("File assembly completed")
	return nil
}

// concatSegments writes segment temp files into outputPath in index order,
// byte-exact. It never mutates the temp files, so re-running it on the same
// completed set reproduces identical output.
func concatSegments(outputPath string, segments []*Segment) (int64, error) {
	destFile, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	defer destFile.Close()

	var totalWritten int64
	for _, seg := range segments {
		written, err := appendSegment(destFile, seg)
		if err != nil {
			return totalWritten, err
		}
		totalWritten += written
	}
	if err := destFile.Sync(); err != nil {
		return totalWritten, err
	}
	return totalWritten, nil
}

func appendSegment(destFile *os.File, seg *Segment) (int64, error) {
	tempFile, err := os.Open(seg.TempPath)
	if err != nil {
		return 0, err
	}
	defer tempFile.Close()
	fileInfo, err := tempFile.Stat()
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(destFile, tempFile)
	if err != nil {
		return written, err
	}
	if written != fileInfo.Size() {
		return written, errors.New("short copy of segment temp file")
	}
	return written, nil
}
