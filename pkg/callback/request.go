package callback

import "time"

// Kind discriminates the variants of Request. A single flat struct carries
// every variant's fields rather than one Go type per variant, since the
// fields overlap heavily and the bridge only ever switches on Kind once, in
// the handler's dispatch loop.
type Kind int

const (
	// KubernetesListResourceAll lists a resource kind across every namespace.
	KubernetesListResourceAll Kind = iota
	// KubernetesListResourceByNamespace lists a resource kind inside Namespace.
	KubernetesListResourceByNamespace
	// KubernetesGetResource fetches a single named object.
	KubernetesGetResource
	// KubernetesGetResourcePluralName resolves a resource kind's wire-name.
	KubernetesGetResourcePluralName
	// KubernetesHasChangedSince asks whether a resource kind changed after Since.
	KubernetesHasChangedSince
)

// Request is the discriminated request type accepted by the callback
// bridge. Only the fields relevant to Kind are read by the handler.
type Request struct {
	Kind Kind

	APIVersion   string
	ResourceKind string

	Name      string
	Namespace *string

	LabelSelector *string
	FieldSelector *string

	Since time.Time
}

// Response carries a JSON-encoded payload back to the synchronous caller.
// The caller decodes it into the shape its Kind implies (ObjectList,
// *unstructured.Unstructured, string, or bool).
type Response struct {
	Payload []byte
}

// envelope pairs a Request with its single-use reply channel and a
// correlation id used only for logging.
type envelope struct {
	id      string
	request Request
	reply   chan replyOrError
}

type replyOrError struct {
	response Response
	err      error
}
