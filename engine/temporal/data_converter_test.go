package temporal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/converter"
	"github.com/agentrtcore/runtime/orchestrator"
	aitools "github.com/agentrtcore/runtime/tool"
)

func TestNewAgentDataConverter_RehydratesToolResult(t *testing.T) {
	type result struct {
		Value string `json:"value"`
	}

	toolName := aitools.Ident("test.tool")
	specFn := func(id aitools.Ident) (*aitools.ToolSpec, bool) {
		if id != toolName {
			return nil, false
		}
		return &aitools.ToolSpec{
			Name: toolName,
			Result: aitools.TypeSpec{
				Codec: aitools.JSONCodec[any]{
					ToJSON: func(v any) ([]byte, error) {
						return json.Marshal(v)
					},
					FromJSON: func(data []byte) (any, error) {
						var r result
						if err := json.Unmarshal(data, &r); err != nil {
							return nil, err
						}
						return r, nil
					},
				},
			},
		}, true
	}

	dc := NewAgentDataConverter(specFn)
	payload, err := dc.ToPayload(&orchestrator.ToolResult{
		Name:   toolName,
		Result: result{Value: "ok"},
	})
	require.NoError(t, err)

	var decoded *orchestrator.ToolResult
	require.NoError(t, dc.FromPayload(payload, &decoded))
	require.NotNil(t, decoded)

	got := decoded.Result
	r, ok := got.(result)
	require.True(t, ok, "expected decoded tool result to be concrete type, got %T", got)
	assert.Equal(t, "ok", r.Value)
}

func TestNewAgentDataConverter_PassesThroughUnknownTypes(t *testing.T) {
	dc := NewAgentDataConverter(func(aitools.Ident) (*aitools.ToolSpec, bool) { return nil, false })
	payload, err := dc.ToPayload("plain string")
	require.NoError(t, err)

	var decoded string
	require.NoError(t, dc.FromPayload(payload, &decoded))
	assert.Equal(t, "plain string", decoded)
}
