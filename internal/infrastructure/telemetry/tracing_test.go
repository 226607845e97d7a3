package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestProviderExportsSpansAsJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewProvider(Options{ServiceVersion: "test", Writer: &buf})

	ctx, parent := p.Tracer().Start(context.Background(), "scan.session")
	_, child := p.Tracer().Start(ctx, "check.execute")
	child.SetAttributes(attribute.String("check.id", "csp-missing"))
	child.SetStatus(codes.Error, "boom")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	var records []SpanRecord
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	byName := map[string]SpanRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	exec := byName["check.execute"]
	assert.Equal(t, "csp-missing", exec.Attributes["check.id"])
	assert.Equal(t, "Error", exec.Status)
	assert.Equal(t, "boom", exec.Message)
	assert.Equal(t, byName["scan.session"].SpanID, exec.ParentID)
	assert.Equal(t, byName["scan.session"].TraceID, exec.TraceID)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir, "spans.jsonl", Options{})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "scan.session")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "spans.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name":"scan.session"`)

	_, err = NewFileProvider(dir, "../escape.jsonl", Options{})
	assert.Error(t, err)
}
