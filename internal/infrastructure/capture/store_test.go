package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

const sampleYAML = `
- id: req-1
  url: https://example.com/search?q=one
  headers:
    User-Agent: Mozilla/5.0
  response:
    code: 200
    headers:
      Content-Type: text/html; charset=utf-8
    body: "<html><body>hi</body></html>"
- method: post
  url: example.com:8080/graphql
  body: '{"query":"{__typename}"}'
`

const sampleJSON = `[
  {"id": "a", "url": "http://api.example.com/v1/users", "response": {"code": 404}}
]`

func TestParseYAML(t *testing.T) {
	targets, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, targets, 2)

	first := targets[0]
	assert.Equal(t, "req-1", first.ID())
	assert.Equal(t, "GET", first.Request.Method)
	assert.Equal(t, "example.com", first.Request.Host)
	assert.Equal(t, "q=one", first.Request.Query)
	assert.Equal(t, "Mozilla/5.0", first.Request.Header("User-Agent"))
	require.NotNil(t, first.Response)
	assert.True(t, first.Response.IsHTML())

	second := targets[1]
	assert.Equal(t, "req-2", second.ID(), "missing ids are numbered by position")
	assert.Equal(t, "POST", second.Request.Method)
	assert.Equal(t, 8080, second.Request.Port)
	assert.Nil(t, second.Response)
}

func TestParseJSON(t *testing.T) {
	targets, err := Parse([]byte(sampleJSON))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 404, targets[0].Response.Code)
}

func TestParseRejectsDuplicatesAndBadURLs(t *testing.T) {
	_, err := Parse([]byte(`[{"id":"x","url":"a.com"},{"id":"x","url":"b.com"}]`))
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidInput)

	_, err = Parse([]byte(`[{"id":"x","url":""}]`))
	assert.ErrorIs(t, err, sharedErrors.ErrEmptyTarget)

	_, err = Parse([]byte(`{not a list`))
	assert.ErrorIs(t, err, sharedErrors.ErrDeserializationFailed)
}

func TestStoreTargetsKeepsOrderAndMarksMissing(t *testing.T) {
	s := NewStore()
	targets, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	s.Add(targets...)

	got, err := s.Targets(context.Background(), []string{"req-2", "gone", "req-1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "req-2", got[0].ID())
	assert.Nil(t, got[1].Request)
	assert.Equal(t, "req-1", got[2].ID())
}

func TestStoreWriteAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.yaml")

	s := NewStore()
	targets, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	s.Add(targets...)
	require.NoError(t, s.WriteFile(path))

	loaded := NewStore()
	got, err := loaded.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, loaded.Len())

	back, ok := loaded.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/search?q=one", back.Request.URL())
	assert.Equal(t, "<html><body>hi</body></html>", back.Response.BodyText())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
