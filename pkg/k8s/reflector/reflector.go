// Package reflector implements the watch-backed mirror that keeps one Store
// in sync with the Kubernetes API server for a single ApiResource. Ingestion
// runs in a background goroutine: an initial List seeds the Store (treated
// as the first Restarted event), then a Watch streams Applied/Deleted
// events until it needs a relist, at which point the cycle repeats with a
// capped exponential backoff.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/kubewarden/k8s-context-cache/pkg/cachemetrics"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/apischema"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/store"
)

// ErrInitialListFailed is the only watch error that is fatal to reflector
// startup: it means the very first List call never succeeded, so the Store
// was never seeded.
var ErrInitialListFailed = errors.New("reflector: initial list failed")

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Reflector owns one Store and the background goroutine that keeps it
// synchronized with the API server. The background goroutine runs until ctx
// (passed to CreateAndRun) is cancelled; spec.md documents reflectors as
// non-cancellable, this is an additive shutdown path for long-lived hosts.
type Reflector struct {
	Store *store.Store

	lastChangeSeenAt *timestampObservable
	cancel           context.CancelFunc
	done             chan struct{}
}

// CreateAndRun constructs the Store for resource, performs the first List,
// and spawns the background watch loop. It blocks until the first
// successful event has been ingested (readiness), or returns
// ErrInitialListFailed if the first List call fails.
func CreateAndRun(ctx context.Context, dynamicClient dynamic.Interface, db *sqlx.DB, resource apischema.ApiResource, metrics *cachemetrics.Metrics, logger *slog.Logger) (*Reflector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(ctx, db, resource)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	r := &Reflector{
		Store:            st,
		lastChangeSeenAt: newTimestampObservable(time.Now()),
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	logger = logger.With("group", resource.Group, "version", resource.Version, "kind", resource.Kind)
	logger.Info("creating new reflector")

	readyCh := make(chan error, 1)
	var readyOnce sync.Once
	signalReady := func(err error) {
		readyOnce.Do(func() { readyCh <- err })
	}

	resourceClient := dynamicClient.Resource(resource.GroupVersionResource())

	go run(runCtx, resourceClient, st, r.lastChangeSeenAt, signalReady, metrics, resource.Kind, logger, r.done)

	if err := <-readyCh; err != nil {
		cancel()
		return nil, err
	}

	return r, nil
}

// LastChangeSeenAt returns the last time the background goroutine observed
// a change (an Applied, Deleted or Restarted event), initialized to the
// construction time.
func (r *Reflector) LastChangeSeenAt() time.Time {
	return r.lastChangeSeenAt.get()
}

// Stop cancels the background watch loop and waits for it to exit.
func (r *Reflector) Stop() {
	r.cancel()
	<-r.done
}

func run(ctx context.Context, resourceClient dynamic.ResourceInterface, st *store.Store, lastChange *timestampObservable, signalReady func(error), metrics *cachemetrics.Metrics, kind string, logger *slog.Logger, done chan struct{}) {
	defer close(done)

	backoff := initialBackoff
	firstAttempt := true

	for {
		select {
		case <-ctx.Done():
			// Unblocks CreateAndRun if ctx ended before the first List.
			signalReady(ctx.Err())
			return
		default:
		}

		resourceVersion, err := relist(ctx, resourceClient, st, metrics, kind)
		if err != nil {
			logger.Error("watcher error: initial list failed", "error", err)
			if firstAttempt {
				signalReady(fmt.Errorf("%w: %w", ErrInitialListFailed, err))
				return
			}
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		firstAttempt = false
		backoff = initialBackoff
		lastChange.set(time.Now())
		signalReady(nil)

		if err := watchLoop(ctx, resourceClient, st, resourceVersion, lastChange, metrics, kind, logger); err != nil {
			logger.Warn("watcher error", "error", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// relist performs the initial/reconnect List call and replaces the Store's
// contents wholesale, mirroring the watch's own Restarted event.
func relist(ctx context.Context, resourceClient dynamic.ResourceInterface, st *store.Store, metrics *cachemetrics.Metrics, kind string) (resourceVersion string, err error) {
	metrics.IncReflectorRelist(kind)

	list, err := resourceClient.List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}

	objs := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		obj := list.Items[i]
		obj.SetManagedFields(nil)
		objs = append(objs, &obj)
	}

	if err := st.ReplaceAll(ctx, objs); err != nil {
		return "", err
	}

	if count, err := st.Len(ctx); err == nil {
		metrics.SetStoreRowCount(kind, float64(count))
	}

	return list.GetResourceVersion(), nil
}

// watchLoop streams watch events starting from resourceVersion until the
// channel closes (the watch needs a relist) or ctx is cancelled.
func watchLoop(ctx context.Context, resourceClient dynamic.ResourceInterface, st *store.Store, resourceVersion string, lastChange *timestampObservable, metrics *cachemetrics.Metrics, kind string, logger *slog.Logger) error {
	w, err := resourceClient.Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("watch channel closed, relisting")
			}

			if err := handleEvent(ctx, st, event, metrics, kind, logger); err != nil {
				return err
			}
			lastChange.set(time.Now())
		}
	}
}

func handleEvent(ctx context.Context, st *store.Store, event watch.Event, metrics *cachemetrics.Metrics, kind string, logger *slog.Logger) error {
	switch event.Type {
	case watch.Added, watch.Modified:
		obj, ok := event.Object.(*unstructured.Unstructured)
		if !ok {
			return fmt.Errorf("watch event object is not unstructured: %T", event.Object)
		}
		obj.SetManagedFields(nil)
		logger.Debug("watcher saw object", "name", obj.GetName(), "namespace", obj.GetNamespace())
		metrics.IncReflectorEvent(kind, "Applied")
		return st.InsertOrReplace(ctx, obj)
	case watch.Deleted:
		obj, ok := event.Object.(*unstructured.Unstructured)
		if !ok {
			return fmt.Errorf("watch event object is not unstructured: %T", event.Object)
		}
		metrics.IncReflectorEvent(kind, "Deleted")
		return st.Delete(ctx, obj)
	case watch.Error:
		return fmt.Errorf("watch error event: %v", event.Object)
	default:
		logger.Debug("ignoring unhandled watch event type", "type", event.Type)
		return nil
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// timestampObservable is a cheap multi-reader observable carrying a
// monotonically-updated timestamp, realizing the spec's
// single-producer/multiple-consumer "last change seen at" channel over a
// plain mutex-guarded value.
type timestampObservable struct {
	mu sync.RWMutex
	t  time.Time
}

func newTimestampObservable(t time.Time) *timestampObservable {
	return &timestampObservable{t: t}
}

func (o *timestampObservable) set(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.t = t
}

func (o *timestampObservable) get() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.t
}
