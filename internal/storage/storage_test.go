package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/engine/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadDeleteDownload(t *testing.T) {
	s := openTestStore(t)

	rec := &DownloadRecord{
		ID:        "dl-1",
		URL:       "https://example.com/file.bin",
		Kind:      "http",
		DestPath:  "/tmp/file.bin",
		Status:    "queued",
		Priority:  "normal",
		CreatedAt: time.Unix(0, 0).UTC(),
		UpdatedAt: time.Unix(0, 0).UTC(),
	}
	require.NoError(t, s.SaveDownload(rec))

	got, err := s.LoadDownload("dl-1")
	require.NoError(t, err)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, rec.Status, got.Status)

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteDownload("dl-1"))
	_, err = s.LoadDownload("dl-1")
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.NotFound, ae.Kind)
}

func TestSegmentsRoundTripAndOrder(t *testing.T) {
	s := openTestStore(t)

	segs := []SegmentState{
		{Index: 0, Start: 0, End: 99, Completed: 50, Status: "downloading"},
		{Index: 1, Start: 100, End: 199, Completed: 100, Status: "complete"},
	}
	require.NoError(t, s.SaveSegments("dl-1", segs))

	got, err := s.LoadSegments("dl-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(50), got[0].Completed)
	assert.Equal(t, "complete", got[1].Status)

	// Overwriting with a shorter list replaces, not merges.
	require.NoError(t, s.SaveSegments("dl-1", segs[:1]))
	got, err = s.LoadSegments("dl-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoadSegmentsUnknownDownloadReturnsEmpty(t *testing.T) {
	s := openTestStore(t)
	segs, err := s.LoadSegments("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestDeleteDownloadCascadesSegments(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveDownload(&DownloadRecord{ID: "dl-2", Status: "queued"}))
	require.NoError(t, s.SaveSegments("dl-2", []SegmentState{{Index: 0, Status: "pending"}}))

	require.NoError(t, s.DeleteDownload("dl-2"))

	segs, err := s.LoadSegments("dl-2")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestResetInFlightDemotesDownloadingState(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveDownload(&DownloadRecord{ID: "dl-3", Status: "downloading"}))
	require.NoError(t, s.SaveSegments("dl-3", []SegmentState{
		{Index: 0, Status: "downloading"},
		{Index: 1, Status: "complete"},
	}))

	require.NoError(t, s.ResetInFlight())

	rec, err := s.LoadDownload("dl-3")
	require.NoError(t, err)
	assert.Equal(t, "paused", rec.Status)

	segs, err := s.LoadSegments("dl-3")
	require.NoError(t, err)
	for _, seg := range segs {
		assert.NotEqual(t, "downloading", seg.Status)
	}
}

func TestKVRoundTripAndDelete(t *testing.T) {
	s := openTestStore(t)

	type settings struct {
		Theme string `json:"theme"`
		Count int    `json:"count"`
	}
	want := settings{Theme: "dark", Count: 7}
	require.NoError(t, s.PutKV("ui_settings", want))

	var got settings
	require.NoError(t, s.GetKV("ui_settings", &got))
	assert.Equal(t, want, got)

	require.NoError(t, s.DeleteKV("ui_settings"))
	err := s.GetKV("ui_settings", &got)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.NotFound, ae.Kind)
}
