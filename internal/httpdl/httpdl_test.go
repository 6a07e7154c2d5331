package httpdl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/engine/internal/apperr"
)

func TestPlanSegmentsSingleSegmentWhenRangesUnsupported(t *testing.T) {
	ranges := PlanSegments(1000, 4, 100, false)
	require.Len(t, ranges, 1)
	assert.Equal(t, Range{Start: 0, End: 999}, ranges[0])
}

func TestPlanSegmentsSplitsUpToMaxConnections(t *testing.T) {
	ranges := PlanSegments(1000, 4, 100, true)
	require.Len(t, ranges, 4)
	assert.Equal(t, int64(0), ranges[0].Start)
	assert.Equal(t, int64(999), ranges[len(ranges)-1].End)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].End+1, ranges[i].Start, "ranges must be contiguous")
	}
}

func TestPlanSegmentsCapsAtOneWhenFileSmallerThanMinSegment(t *testing.T) {
	ranges := PlanSegments(50, 8, 100, true)
	require.Len(t, ranges, 1)
	assert.Equal(t, Range{Start: 0, End: 49}, ranges[0])
}

func TestVerifyChecksumMatchesAndMismatches(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "checksum")
	require.NoError(t, err)
	defer f.Close()
	content := []byte("the quick brown fox")
	_, err = f.Write(content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	require.NoError(t, VerifyChecksum(f.Name(), "sha256", digest))

	err = VerifyChecksum(f.Name(), "sha256", "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.HashMismatch, ae.Kind)
}

func TestVerifyChecksumSkippedWhenUnconfigured(t *testing.T) {
	assert.NoError(t, VerifyChecksum("/does/not/exist", "", ""))
}

func TestVerifyChecksumRejectsUnknownAlgo(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "checksum")
	require.NoError(t, err)
	defer f.Close()
	err = VerifyChecksum(f.Name(), "crc32", "deadbeef")
	require.Error(t, err)
}

func TestProbeURLReadsContentLengthAndAcceptRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe, err := ProbeURL(context.Background(), srv.Client(), srv.URL, nil)
	require.NoError(t, err)
	assert.True(t, probe.AcceptsRanges)
	assert.Equal(t, `"abc123"`, probe.ETag)
}

func TestDownloadRunFetchesAllSegmentsAndWritesFile(t *testing.T) {
	content := strings.Repeat("0123456789", 20) // 200 bytes
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, strings.NewReader(content))
	}))
	defer srv.Close()

	dst, err := os.CreateTemp(t.TempDir(), "dl")
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Truncate(int64(len(content))))

	ranges := PlanSegments(int64(len(content)), 4, 10, true)
	dl := New(Options{
		URL:        srv.URL,
		Client:     srv.Client(),
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, ranges, dst, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dl.Run(ctx)

	for res := range dl.ResultC {
		assert.NoError(t, res.Err)
	}

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}
