// Package callback bridges a synchronous caller (a policy evaluator running
// on a thread the Go scheduler does not manage, such as a WASM host
// function) to the async Client. Requests cross a bounded channel; replies
// cross a per-request single-use channel that the caller polls without ever
// blocking on a receive.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubewarden/k8s-context-cache/pkg/k8s/cache"
)

const pollInterval = 500 * time.Microsecond

// Handler owns the request queue and dispatches requests against a
// *cache.Client. Zero value is not usable; construct via Builder.
type Handler struct {
	client *cache.Client
	logger *slog.Logger
	queue  chan envelope
}

// Submit enqueues req without blocking and returns its decoded Response. It
// never parks on a channel receive: the reply is polled in a tight
// non-blocking loop, because the caller may be running on a thread the Go
// scheduler has no visibility into. ctx, if non-nil, is checked between
// polls; callers SHOULD pass one with a deadline, since the bridge itself
// imposes none.
func (h *Handler) Submit(ctx context.Context, req Request) (Response, error) {
	id := uuid.NewString()
	reply := make(chan replyOrError, 1)

	select {
	case h.queue <- envelope{id: id, request: req, reply: reply}:
	default:
		return Response{}, fmt.Errorf("request %s: %w", id, ErrCallbackSend)
	}

	for {
		select {
		case result := <-reply:
			if result.err != nil {
				return Response{}, fmt.Errorf("request %s: %w: %w", id, ErrCallbackRequest, result.err)
			}
			return result.response, nil
		default:
		}

		if ctx != nil {
			select {
			case <-ctx.Done():
				return Response{}, fmt.Errorf("request %s: %w: %w", id, ErrCallbackResponse, ctx.Err())
			default:
			}
		}

		time.Sleep(pollInterval)
	}
}

// Run drains the request queue until ctx is cancelled, dispatching each
// request to the Client and sending its reply. It is meant to run in its
// own goroutine for the lifetime of the owning process.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.queue:
			h.dispatch(ctx, env)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, env envelope) {
	logger := h.logger.With("request_id", env.id, "api_version", env.request.APIVersion, "kind", env.request.ResourceKind)

	payload, err := h.handle(ctx, env.request)
	if err != nil {
		logger.Warn("callback request failed", "error", err)
		env.reply <- replyOrError{err: err}
		return
	}

	logger.Debug("callback request handled")
	env.reply <- replyOrError{response: Response{Payload: payload}}
}

func (h *Handler) handle(ctx context.Context, req Request) ([]byte, error) {
	switch req.Kind {
	case KubernetesListResourceAll:
		list, err := h.client.ListAll(ctx, req.APIVersion, req.ResourceKind, req.LabelSelector, req.FieldSelector)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)

	case KubernetesListResourceByNamespace:
		if req.Namespace == nil {
			return nil, fmt.Errorf("list by namespace: %w", ErrCallbackRequest)
		}
		list, err := h.client.ListByNamespace(ctx, req.APIVersion, req.ResourceKind, *req.Namespace, req.LabelSelector, req.FieldSelector)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)

	case KubernetesGetResource:
		obj, err := h.client.Get(ctx, req.APIVersion, req.ResourceKind, req.Name, req.Namespace)
		if err != nil {
			return nil, err
		}
		return json.Marshal(obj)

	case KubernetesGetResourcePluralName:
		plural, err := h.client.GetPluralName(ctx, req.APIVersion, req.ResourceKind)
		if err != nil {
			return nil, err
		}
		return json.Marshal(plural)

	case KubernetesHasChangedSince:
		changed, err := h.client.HasChangedSince(ctx, req.APIVersion, req.ResourceKind, req.Since)
		if err != nil {
			return nil, err
		}
		return json.Marshal(changed)

	default:
		return nil, fmt.Errorf("unknown request kind %d: %w", req.Kind, ErrCallbackRequest)
	}
}

// DecodeInto decodes r's payload into out, e.g. an apischema.ObjectList or
// *unstructured.Unstructured.
func DecodeInto(r Response, out interface{}) error {
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("decode callback response: %w: %w", ErrCallbackConvertList, err)
	}
	return nil
}

// DecodePluralName decodes r's payload as a plural-name string.
func DecodePluralName(r Response) (string, error) {
	var plural string
	if err := json.Unmarshal(r.Payload, &plural); err != nil {
		return "", fmt.Errorf("decode plural name: %w: %w", ErrCallbackGetPluralName, err)
	}
	return plural, nil
}
