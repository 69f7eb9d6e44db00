package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tools "github.com/agentrtcore/runtime/tool"
)

// fakeEmbedder returns a deterministic vector derived from the text's byte
// sum, so unrelated strings land far apart and identical strings collide.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	var sum float32
	for _, b := range []byte(text) {
		sum += float32(b)
	}
	v := []float32{sum, sum / 2, 1}
	f.vectors[text] = v
	return v, nil
}

func sampleSpec(name tools.Ident) tools.ToolSpec {
	return tools.ToolSpec{
		Name:        name,
		Service:     "files",
		Description: "reads a file from disk",
		Tags:        []string{"filesystem", "read"},
		Payload: tools.TypeSpec{
			Schema:      []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			ExampleJSON: []byte(`{"path":"/tmp/x"}`),
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	emb := newFakeEmbedder()
	r := NewRegistry(emb)

	err := r.Register(context.Background(), sampleSpec("read_file"), tools.Metadata{Name: "read_file", SecurityLevel: tools.SecurityLowRisk})
	require.NoError(t, err)

	spec, meta, ok := r.Get("read_file")
	require.True(t, ok)
	assert.Equal(t, tools.Ident("read_file"), spec.Name)
	assert.Equal(t, tools.SecurityLowRisk, meta.SecurityLevel)
}

func TestRegistryRegisterRequiresName(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	err := r.Register(context.Background(), tools.ToolSpec{}, tools.Metadata{})
	assert.Error(t, err)
}

func TestRegistryValidatePayload(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	require.NoError(t, r.Register(context.Background(), sampleSpec("read_file"), tools.Metadata{Name: "read_file"}))

	assert.NoError(t, r.ValidatePayload(context.Background(), "read_file", []byte(`{"path":"/tmp/x"}`)))
	assert.Error(t, r.ValidatePayload(context.Background(), "read_file", []byte(`{}`)))
	assert.Error(t, r.ValidatePayload(context.Background(), "read_file", []byte(`not json`)))
}

func TestRegistryValidatePayloadUnknownTool(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	err := r.ValidatePayload(context.Background(), "missing", []byte(`{}`))
	assert.Error(t, err)
}

func TestRegistryValidatePayloadNoSchemaAlwaysPasses(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	spec := sampleSpec("no_schema")
	spec.Payload.Schema = nil
	require.NoError(t, r.Register(context.Background(), spec, tools.Metadata{Name: "no_schema"}))
	assert.NoError(t, r.ValidatePayload(context.Background(), "no_schema", []byte(`{"anything":true}`)))
}

func TestRegistryRecordOutcomeMovesSuccessRate(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	require.NoError(t, r.Register(context.Background(), sampleSpec("read_file"), tools.Metadata{Name: "read_file", RecentSuccessRate: 0.5}))

	r.RecordOutcome("read_file", true)
	_, meta, ok := r.Get("read_file")
	require.True(t, ok)
	assert.InDelta(t, 1.0, meta.RecentSuccessRate, 1e-9)

	r.RecordOutcome("read_file", false)
	_, meta, ok = r.Get("read_file")
	require.True(t, ok)
	assert.InDelta(t, 0.8, meta.RecentSuccessRate, 1e-9)
}

func TestRegistryUnregisterAndList(t *testing.T) {
	r := NewRegistry(newFakeEmbedder())
	require.NoError(t, r.Register(context.Background(), sampleSpec("a"), tools.Metadata{Name: "a"}))
	require.NoError(t, r.Register(context.Background(), sampleSpec("b"), tools.Metadata{Name: "b"}))

	assert.ElementsMatch(t, []tools.Ident{"a", "b"}, r.List())

	r.Unregister("a")
	assert.ElementsMatch(t, []tools.Ident{"b"}, r.List())
}

func TestRegistryEmbeddingCacheAvoidsReEmbedding(t *testing.T) {
	emb := newFakeEmbedder()
	r := NewRegistry(emb, WithEmbeddingCache(0))

	spec := sampleSpec("read_file")
	require.NoError(t, r.Register(context.Background(), spec, tools.Metadata{Name: "read_file"}))
	callsAfterFirst := emb.calls

	// Re-registering the identical descriptor should hit the cache.
	require.NoError(t, r.Register(context.Background(), spec, tools.Metadata{Name: "read_file"}))
	assert.Equal(t, callsAfterFirst, emb.calls)
}
