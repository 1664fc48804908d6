package utils

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	logger := GetLogger("prober")
	logger.Info().Str("url", "http://example.com/a.bin").Msg("Probe completed")

	out := buf.String()
	assert.Contains(t, out, "Probe completed")
	assert.Contains(t, out, "component=prober")
	assert.Contains(t, out, "url=http://example.com/a.bin")
}
