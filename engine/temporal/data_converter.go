package temporal

import (
	"encoding/json"
	"fmt"

	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"
	"github.com/agentrtcore/runtime/agent"
	"github.com/agentrtcore/runtime/orchestrator"
	"github.com/agentrtcore/runtime/telemetry"
	aitools "github.com/agentrtcore/runtime/tool"
	"github.com/agentrtcore/runtime/workflow"
)

type (
	// agentJSONPayloadConverter wraps Temporal's JSON payload converter and
	// rehydrates orchestrator.ToolResult.Result using the tool's generated result codec.
	//
	// Temporal's default JSON converter decodes `any` fields as JSON-shaped values
	// (map[string]any, []any, float64, ...). This violates the contract that
	// orchestrator.ToolResult.Result contains the concrete generated result type produced
	// by the tool's result codec. Every other workflow/activity boundary payload that
	// touches a tool result (PlanActivityInput, RunOutput, signal envelopes) is already
	// converted through orchestrator.ToolEvent before it reaches a data converter, so
	// this converter only needs to special-case orchestrator.ToolResult itself, which
	// crosses the boundary directly from ExecuteToolActivity's activity future.
	agentJSONPayloadConverter struct {
		*converter.JSONPayloadConverter
		spec func(aitools.Ident) (*aitools.ToolSpec, bool)
	}

	toolResultWire struct {
		// NOTE: These fields intentionally do not use JSON tags. Temporal's default
		// JSON payload converter marshals orchestrator.ToolResult using encoding/json
		// defaults, which emit the Go field names ("Name", "Result", ...). We decode
		// that payload verbatim to preserve correctness for existing workflow histories.
		Name                aitools.Ident
		Result              json.RawMessage
		ResultBytes         int
		ResultOmitted       bool
		ResultOmittedReason string
		ServerData          json.RawMessage
		Artifacts           []*aitools.Artifact
		Bounds              *agent.Bounds
		Error               *orchestrator.ToolError
		RetryHint           *orchestrator.RetryHint
		Telemetry           *telemetry.ToolTelemetry
		ToolCallID          string
		ChildrenCount       int
		RunLink             *run.Handle
	}
)

// NewAgentDataConverter returns a Temporal data converter that preserves concrete
// tool result types across activity/workflow boundaries.
//
// Temporal's default JSON payload converter decodes `any` fields as JSON-shaped
// values (map[string]any, []any, float64, ...). This breaks the contract that
// orchestrator.ToolResult.Result contains the concrete generated result type
// produced by the tool's result codec.
//
// The returned converter installs a custom payload converter for
// orchestrator.ToolResult values that decodes Result back into the concrete
// generated Go type using the tool's generated result codec.
//
// spec must return the ToolSpec for a tool name known to the agent runtime.
func NewAgentDataConverter(spec func(aitools.Ident) (*aitools.ToolSpec, bool)) converter.DataConverter {
	base := converter.NewJSONPayloadConverter()
	return converter.NewCompositeDataConverter(
		converter.NewNilPayloadConverter(),
		converter.NewByteSlicePayloadConverter(),
		converter.NewProtoPayloadConverter(),
		converter.NewProtoJSONPayloadConverter(),
		&agentJSONPayloadConverter{
			JSONPayloadConverter: base,
			spec:                 spec,
		},
	)
}

func (c *agentJSONPayloadConverter) ToPayload(value any) (*commonpb.Payload, error) {
	switch v := value.(type) {
	case *orchestrator.ToolResult:
		w, err := encodeToolResultWire(c.spec, v)
		if err != nil {
			return nil, err
		}
		return c.JSONPayloadConverter.ToPayload(w)
	case orchestrator.ToolResult:
		return c.ToPayload(&v)
	default:
		return c.JSONPayloadConverter.ToPayload(value)
	}
}

func (c *agentJSONPayloadConverter) FromPayload(p *commonpb.Payload, valuePtr any) error {
	switch valuePtr.(type) {
	case **orchestrator.ToolResult:
		return decodeToolResult(c.spec, p, valuePtr)
	default:
		return c.JSONPayloadConverter.FromPayload(p, valuePtr)
	}
}

func decodeJSONPayload(p *commonpb.Payload, dst any) error {
	if p == nil {
		return fmt.Errorf("temporal: payload is nil")
	}
	return json.Unmarshal(p.Data, dst)
}

func decodeToolResult(specFn func(aitools.Ident) (*aitools.ToolSpec, bool), p *commonpb.Payload, valuePtr any) error {
	var w toolResultWire
	if err := decodeJSONPayload(p, &w); err != nil {
		return err
	}

	tr, err := decodeToolResultWire(specFn, w)
	if err != nil {
		return err
	}

	var dst *orchestrator.ToolResult
	switch v := valuePtr.(type) {
	case **orchestrator.ToolResult:
		if v == nil {
			return fmt.Errorf("temporal: tool result decoder got nil **orchestrator.ToolResult")
		}
		if *v == nil {
			*v = &orchestrator.ToolResult{}
		}
		dst = *v
	default:
		return fmt.Errorf("temporal: tool result decoder requires **orchestrator.ToolResult, got %T", valuePtr)
	}
	if dst == nil {
		return fmt.Errorf("temporal: tool result is nil")
	}

	*dst = *tr
	return nil
}

func decodeToolResultWire(specFn func(aitools.Ident) (*aitools.ToolSpec, bool), w toolResultWire) (*orchestrator.ToolResult, error) {
	var decoded any
	if w.Error == nil && len(w.Result) > 0 {
		spec, ok := specFn(w.Name)
		if !ok || spec == nil {
			return nil, fmt.Errorf("temporal: unknown tool spec for result %s", w.Name)
		}
		res, err := spec.Result.Codec.FromJSON(w.Result)
		if err != nil {
			return nil, fmt.Errorf("temporal: decode %s tool result: %w", w.Name, err)
		}
		decoded = res
	}

	return &orchestrator.ToolResult{
		Name:                w.Name,
		Result:              decoded,
		ResultBytes:         w.ResultBytes,
		ResultOmitted:       w.ResultOmitted,
		ResultOmittedReason: w.ResultOmittedReason,
		ServerData:          w.ServerData,
		Artifacts:           w.Artifacts,
		Bounds:              w.Bounds,
		Error:               w.Error,
		RetryHint:           w.RetryHint,
		Telemetry:           w.Telemetry,
		ToolCallID:          w.ToolCallID,
		ChildrenCount:       w.ChildrenCount,
		RunLink:             w.RunLink,
	}, nil
}

func encodeToolResultWire(specFn func(aitools.Ident) (*aitools.ToolSpec, bool), tr *orchestrator.ToolResult) (*toolResultWire, error) {
	if tr == nil {
		return &toolResultWire{}, nil
	}
	w := &toolResultWire{
		Name:                tr.Name,
		ResultBytes:         tr.ResultBytes,
		ResultOmitted:       tr.ResultOmitted,
		ResultOmittedReason: tr.ResultOmittedReason,
		ServerData:          tr.ServerData,
		Artifacts:           tr.Artifacts,
		Bounds:              tr.Bounds,
		Error:               tr.Error,
		RetryHint:           tr.RetryHint,
		Telemetry:           tr.Telemetry,
		ToolCallID:          tr.ToolCallID,
		ChildrenCount:       tr.ChildrenCount,
		RunLink:             tr.RunLink,
	}
	if tr.Result == nil {
		return w, nil
	}
	spec, ok := specFn(tr.Name)
	if !ok || spec == nil {
		return nil, fmt.Errorf("temporal: unknown tool spec for result %s", tr.Name)
	}
	if spec.Result.Codec.ToJSON == nil {
		return nil, fmt.Errorf("temporal: missing result codec for %s", tr.Name)
	}
	raw, err := spec.Result.Codec.ToJSON(tr.Result)
	if err != nil {
		return nil, fmt.Errorf("temporal: encode %s tool result: %w", tr.Name, err)
	}
	w.Result = json.RawMessage(raw)
	return w, nil
}
