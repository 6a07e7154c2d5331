package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMagnetURI(t *testing.T) {
	uri := "magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=example&tr=http%3A%2F%2Ftracker.example%2Fannounce"
	m, err := New(uri)
	require.NoError(t, err)
	assert.Equal(t, "example", m.Name)
	require.Len(t, m.Trackers, 1)
	assert.Equal(t, "http://tracker.example/announce", m.Trackers[0])
}

func TestParseMagnetURIRejectsMissingTopic(t *testing.T) {
	_, err := New("magnet:?dn=example")
	assert.Error(t, err)
}

func TestComposeRoundTrip(t *testing.T) {
	var ih [20]byte
	for i := range ih {
		ih[i] = byte(i)
	}
	uri := Compose(ih, "name", []string{"http://a", "http://b"})
	m, err := New(uri)
	require.NoError(t, err)
	assert.Equal(t, ih, m.InfoHash)
	assert.Equal(t, "name", m.Name)
	assert.ElementsMatch(t, []string{"http://a", "http://b"}, m.Trackers)
}
