package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	original := New("smtp dial refused")
	wrapped := Wrap(original, "failed to open email transport")

	assert.Contains(t, wrapped.Error(), "failed to open email transport")
	assert.Contains(t, wrapped.Error(), "smtp dial refused")
	assert.True(t, Is(wrapped, original))
}

func TestSentinelHelpers(t *testing.T) {
	notFound := NewNotFoundError("job %s not found", "abc")
	assert.Equal(t, "job abc not found", notFound.Error())
	assert.True(t, IsNotFoundError(notFound))
	assert.True(t, IsNotFoundError(Wrap(notFound, "get job")))
	assert.False(t, IsInvalidRequestError(notFound))

	invalid := NewInvalidRequestError("unknown job type %q", "fax_campaign")
	assert.True(t, IsInvalidRequestError(invalid))
	assert.Equal(t, `unknown job type "fax_campaign"`, invalid.Error())

	conflict := NewConflictError("job %s is still processing", "abc")
	assert.True(t, IsConflictError(conflict))
	assert.False(t, IsNotFoundError(conflict))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
}

func TestDetailsStayOutOfMessage(t *testing.T) {
	err := Wrap(New("provider rejected message"), "send failed")
	err = WithDetail(err, "Job ID: 42")

	assert.NotContains(t, err.Error(), "Job ID")
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: 42", details[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func ExampleWrap() {
	baseErr := New("connection refused")
	err := Wrap(baseErr, "failed to dial smtp server")
	fmt.Println(err)
	// Output: failed to dial smtp server: connection refused
}
