package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeIsStableAndFallsBackToUnknown(t *testing.T) {
	assert.Equal(t, -32000, Code(Network))
	assert.Equal(t, -32013, Code(Unknown))
	assert.Equal(t, Code(Unknown), Code(Kind("not-a-real-kind")))
}

func TestNewAndWrapMessages(t *testing.T) {
	e := New(NotFound, false, "download not found: abc")
	assert.Equal(t, "not_found: download not found: abc", e.Error())
	assert.Nil(t, e.Unwrap())

	cause := errors.New("connection reset")
	we := Wrap(Network, true, "segment request failed", cause)
	assert.Equal(t, "network: segment request failed: connection reset", we.Error())
	assert.Equal(t, cause, we.Unwrap())
	assert.True(t, errors.Is(we, cause))
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(Network))
	assert.True(t, DefaultRetryable(Timeout))
	assert.True(t, DefaultRetryable(Tracker))
	assert.False(t, DefaultRetryable(HashMismatch))
	assert.False(t, DefaultRetryable(PathTraversal))
	assert.False(t, DefaultRetryable(Unknown))
}
