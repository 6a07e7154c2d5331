package rpc

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/engine/internal/config"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/storage"
)

func newTestServer(t *testing.T, in string) (*Server, *bytes.Buffer) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{DownloadDir: t.TempDir()}
	bus := events.NewBus()
	out := &bytes.Buffer{}
	s := NewServer(strings.NewReader(in), out, bus, Deps{Store: store, Config: cfg})
	return s, out
}

func decodeResponses(t *testing.T, buf *bytes.Buffer) []Response {
	t.Helper()
	dec := json.NewDecoder(buf)
	var resps []Response
	for {
		var r Response
		if err := dec.Decode(&r); err != nil {
			break
		}
		resps = append(resps, r)
	}
	return resps
}

func TestRunDispatchesEngineVersionRequest(t *testing.T) {
	s, out := newTestServer(t, `{"id":1,"method":"get_engine_version"}`+"\n")
	require.NoError(t, s.Run())

	resps := decodeResponses(t, out)
	require.Len(t, resps, 1)
	assert.Nil(t, resps[0].Error)
	m, ok := resps[0].Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, engineVersion, m["version"])
}

func TestRunReturnsMethodNotFoundForUnknownMethod(t *testing.T) {
	s, out := newTestServer(t, `{"id":"abc","method":"does_not_exist"}`+"\n")
	require.NoError(t, s.Run())

	resps := decodeResponses(t, out)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeMethodNotFound, resps[0].Error.Code)
}

func TestRunReturnsParseErrorForMalformedJSON(t *testing.T) {
	s, out := newTestServer(t, `{not json`+"\n")
	require.NoError(t, s.Run())

	resps := decodeResponses(t, out)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
}

func TestRunReturnsInvalidParamsOnValidationFailure(t *testing.T) {
	s, out := newTestServer(t, `{"id":1,"method":"parse_magnet_uri","params":{}}`+"\n")
	require.NoError(t, s.Run())

	resps := decodeResponses(t, out)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeInvalidParams, resps[0].Error.Code)
}

func TestRunPreservesRequestIDType(t *testing.T) {
	s, out := newTestServer(t, `{"id":"string-id-42","method":"get_engine_version"}`+"\n")
	require.NoError(t, s.Run())

	resps := decodeResponses(t, out)
	require.Len(t, resps, 1)
	var id string
	require.NoError(t, json.Unmarshal(resps[0].ID, &id))
	assert.Equal(t, "string-id-42", id)
}

func TestDBPutGetDeleteRoundTripsThroughRPC(t *testing.T) {
	// Each call runs its own Server/Run() so dispatch order across
	// distinct requests (which Run fans into per-line goroutines) can
	// never race with this test's own put/get/delete/get sequencing.
	store, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	defer store.Close()
	cfg := &config.Config{DownloadDir: t.TempDir()}

	runOne := func(in string) Response {
		bus := events.NewBus()
		out := &bytes.Buffer{}
		s := NewServer(strings.NewReader(in), out, bus, Deps{Store: store, Config: cfg})
		require.NoError(t, s.Run())
		resps := decodeResponses(t, out)
		require.Len(t, resps, 1)
		return resps[0]
	}

	put := runOne(`{"id":1,"method":"db_put","params":{"key":"k","value":"v"}}` + "\n")
	assert.Nil(t, put.Error)

	get := runOne(`{"id":2,"method":"db_get","params":{"key":"k"}}` + "\n")
	assert.Nil(t, get.Error)
	assert.Equal(t, "v", get.Result)

	del := runOne(`{"id":3,"method":"db_delete","params":{"key":"k"}}` + "\n")
	assert.Nil(t, del.Error)

	getAfterDelete := runOne(`{"id":4,"method":"db_get","params":{"key":"k"}}` + "\n")
	require.NotNil(t, getAfterDelete.Error)
}

func TestRunExitsAfterStdinEOFEvenWithoutRequests(t *testing.T) {
	s, _ := newTestServer(t, "")
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on empty stdin")
	}
}
