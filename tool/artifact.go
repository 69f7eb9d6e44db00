package tools

// Artifact is rich, non-provider data attached to a tool result. Artifacts are
// never serialized into model provider requests; they exist for UI
// rendering, timeline projection, and evidence trails.
type Artifact struct {
	// ID uniquely identifies the artifact within its tool call.
	ID string
	// Kind classifies the artifact (e.g., "file", "image", "diff", "report").
	Kind string
	// MimeType describes the encoding of Data when present.
	MimeType string
	// Data carries the artifact payload. Large payloads should be referenced
	// rather than inlined; the runtime does not enforce a size cap here.
	Data []byte
	// Metadata carries arbitrary structured annotations for the artifact.
	Metadata map[string]any
	// RunLink identifies the nested run that produced this artifact, when it
	// originated from an agent-as-tool invocation. Opaque to the tool package
	// to avoid a dependency on the workflow package; callers type-assert to
	// *workflow.Handle.
	RunLink any
}
