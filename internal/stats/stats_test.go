package stats

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddResponseClassification(t *testing.T) {
	var c Counters
	c.AddResponse(200, false)
	c.AddResponse(200, true)
	c.AddResponse(206, true)
	c.AddResponse(301, false)
	c.AddResponse(308, false)
	c.AddResponse(304, false)
	c.AddResponse(404, false)

	require.Equal(t, int64(1), c.Downloads.Load())
	require.Equal(t, int64(2), c.Chunks.Load())
	require.Equal(t, int64(2), c.Redirects.Load())
	require.Equal(t, int64(1), c.NotModified.Load())
	require.Equal(t, int64(1), c.Errors.Load())
}

func TestWriteCSV(t *testing.T) {
	var c Counters
	c.AddResponse(200, false)
	c.AddBody(123)

	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf, "csv"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "downloads,chunks,redirects,not_modified,errors,body_bytes", lines[0])
	require.Equal(t, "1,0,0,0,0,123", lines[1])
}

func TestWriteJSON(t *testing.T) {
	var c Counters
	c.AddResponse(200, true)

	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf, "json"))
	var got map[string]int64
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, int64(1), got["chunks"])
}

func TestWriteUnknownFormat(t *testing.T) {
	var c Counters
	require.Error(t, c.Write(&bytes.Buffer{}, "xml"))
}
