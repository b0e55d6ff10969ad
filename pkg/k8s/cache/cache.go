// Package cache implements the Client: the public entry point that owns the
// schema-discovery cache and the reflector registry, and answers
// list/get/plural-name/has-changed-since queries by lazily provisioning
// reflectors on first reference.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"

	"github.com/kubewarden/k8s-context-cache/pkg/cachemetrics"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/apischema"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/reflector"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/selector"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/store"
)

// Client is the cache's public entry point. It is safe for concurrent use.
type Client struct {
	discoveryClient discovery.DiscoveryInterface
	dynamicClient   dynamic.Interface
	db              *sqlx.DB
	metrics         *cachemetrics.Metrics
	logger          *slog.Logger

	schemaMu sync.RWMutex
	schema   map[apischema.ApiVersionKind]apischema.KubeResource

	reflectorMu sync.RWMutex
	reflectors  map[apischema.ApiResource]*reflector.Reflector
}

// New constructs a Client. metrics and logger may be nil; a nil logger falls
// back to slog.Default() and a nil *cachemetrics.Metrics makes every metrics
// call a no-op.
func New(discoveryClient discovery.DiscoveryInterface, dynamicClient dynamic.Interface, db *sqlx.DB, metrics *cachemetrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		discoveryClient: discoveryClient,
		dynamicClient:   dynamicClient,
		db:              db,
		metrics:         metrics,
		logger:          logger,
		schema:          make(map[apischema.ApiVersionKind]apischema.KubeResource),
		reflectors:      make(map[apischema.ApiResource]*reflector.Reflector),
	}
}

// ListByNamespace lists resources of the given (apiVersion, kind) inside
// namespace. It fails with ErrNotNamespaced if the resource is cluster-scoped.
func (c *Client) ListByNamespace(ctx context.Context, apiVersion, kind, namespace string, labelSelector, fieldSelector *string) (apischema.ObjectList, error) {
	resource, err := c.buildKubeResource(ctx, apiVersion, kind)
	if err != nil {
		return apischema.ObjectList{}, err
	}
	if !resource.Namespaced {
		return apischema.ObjectList{}, fmt.Errorf("%s/%s: %w", apiVersion, kind, ErrNotNamespaced)
	}

	return c.listObjects(ctx, resource.Resource, &namespace, labelSelector, fieldSelector)
}

// ListAll lists resources of the given (apiVersion, kind) across every
// namespace (or the single cluster-wide set, for cluster-scoped kinds).
func (c *Client) ListAll(ctx context.Context, apiVersion, kind string, labelSelector, fieldSelector *string) (apischema.ObjectList, error) {
	resource, err := c.buildKubeResource(ctx, apiVersion, kind)
	if err != nil {
		return apischema.ObjectList{}, err
	}

	return c.listObjects(ctx, resource.Resource, nil, labelSelector, fieldSelector)
}

func (c *Client) listObjects(ctx context.Context, resource apischema.ApiResource, namespace, labelSelector, fieldSelector *string) (apischema.ObjectList, error) {
	st, err := c.getReflectorStore(ctx, resource)
	if err != nil {
		return apischema.ObjectList{}, err
	}

	labelSel, err := parseOptionalSelector(labelSelector)
	if err != nil {
		return apischema.ObjectList{}, err
	}
	fieldSel, err := parseOptionalSelector(fieldSelector)
	if err != nil {
		return apischema.ObjectList{}, err
	}

	start := time.Now()
	list, err := st.List(ctx, namespace, labelSel, fieldSel)
	c.metrics.ObserveStoreQueryDuration("list", time.Since(start).Seconds())

	return list, err
}

// Get fetches a single resource by name. If the resource is namespaced,
// namespace must be non-nil, or it fails with ErrNamespaceRequired.
func (c *Client) Get(ctx context.Context, apiVersion, kind, name string, namespace *string) (*unstructured.Unstructured, error) {
	resource, err := c.buildKubeResource(ctx, apiVersion, kind)
	if err != nil {
		return nil, err
	}
	if resource.Namespaced && namespace == nil {
		return nil, fmt.Errorf("%s/%s: %w", apiVersion, kind, ErrNamespaceRequired)
	}

	st, err := c.getReflectorStore(ctx, resource.Resource)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	obj, err := st.Get(ctx, name, namespace)
	c.metrics.ObserveStoreQueryDuration("get", time.Since(start).Seconds())

	return obj, err
}

// GetPluralName returns the wire-name (e.g. "pods") for (apiVersion, kind).
func (c *Client) GetPluralName(ctx context.Context, apiVersion, kind string) (string, error) {
	resource, err := c.buildKubeResource(ctx, apiVersion, kind)
	if err != nil {
		return "", err
	}
	return resource.Resource.Plural, nil
}

// HasChangedSince reports whether (apiVersion, kind)'s reflector has
// observed a change since since. It conservatively returns true if no
// reflector exists yet for this resource.
func (c *Client) HasChangedSince(ctx context.Context, apiVersion, kind string, since time.Time) (bool, error) {
	resource, err := c.buildKubeResource(ctx, apiVersion, kind)
	if err != nil {
		return false, err
	}

	c.reflectorMu.RLock()
	r, ok := c.reflectors[resource.Resource]
	c.reflectorMu.RUnlock()
	if !ok {
		return true, nil
	}

	return since.Before(r.LastChangeSeenAt()), nil
}

// Close stops every reflector owned by this Client, concurrently, and waits
// for them to release their watch connections. It is additive: spec.md
// documents reflector tasks as non-cancellable, but a library embedded in a
// longer-lived process needs a way to shut down cleanly.
func (c *Client) Close(ctx context.Context) error {
	c.reflectorMu.Lock()
	reflectors := make([]*reflector.Reflector, 0, len(c.reflectors))
	for _, r := range c.reflectors {
		reflectors = append(reflectors, r)
	}
	c.reflectors = make(map[apischema.ApiResource]*reflector.Reflector)
	c.reflectorMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, r := range reflectors {
		g.Go(func() error {
			r.Stop()
			return nil
		})
	}

	return g.Wait()
}

// buildKubeResource resolves (apiVersion, kind) to its structural metadata,
// consulting the schema cache first and falling back to a discovery RPC.
func (c *Client) buildKubeResource(ctx context.Context, apiVersion, kind string) (apischema.KubeResource, error) {
	avk := apischema.ApiVersionKind{APIVersion: apiVersion, Kind: kind}

	c.schemaMu.RLock()
	kr, ok := c.schema[avk]
	c.schemaMu.RUnlock()
	if ok {
		c.metrics.IncSchemaCacheHit()
		return kr, nil
	}

	c.metrics.IncSchemaCacheMiss()

	// client-go's ServerResourcesForGroupVersion covers both the core-API
	// listing (av == "v1") and the named-group listing behind one method
	// keyed by the groupVersion string, so both cases go through this one
	// call; the av == "v1" branch below only derives (group, version).
	resourceList, err := c.discoveryClient.ServerResourcesForGroupVersion(apiVersion)
	if err != nil {
		return apischema.KubeResource{}, fmt.Errorf("discover resources for %s: %w: %w", apiVersion, ErrAPIServerUnreachable, err)
	}

	var found *metav1.APIResource
	for i := range resourceList.APIResources {
		if resourceList.APIResources[i].Kind == kind {
			found = &resourceList.APIResources[i]
			break
		}
	}
	if found == nil {
		return apischema.KubeResource{}, fmt.Errorf("%s/%s: %w", apiVersion, kind, ErrUnknownResource)
	}

	group, version := "", "v1"
	if apiVersion != "v1" {
		g, v, ok := strings.Cut(apiVersion, "/")
		if !ok {
			return apischema.KubeResource{}, fmt.Errorf("apiVersion %q: %w", apiVersion, ErrMalformedAPIVersion)
		}
		group, version = g, v
	}

	kubeResource := apischema.KubeResource{
		Resource: apischema.ApiResource{
			Group:      group,
			Version:    version,
			APIVersion: apiVersion,
			Kind:       kind,
			Plural:     found.Name,
		},
		Namespaced: found.Namespaced,
	}

	c.schemaMu.Lock()
	c.schema[avk] = kubeResource
	c.schemaMu.Unlock()

	return kubeResource, nil
}

// getReflectorStore returns the Store for resource, lazily creating its
// Reflector on first reference. The write-lock path re-checks the registry
// after constructing a candidate reflector, discarding it if another
// goroutine already inserted one for the same resource first — closing the
// race the spec leaves open between the read-check and the write-insert.
func (c *Client) getReflectorStore(ctx context.Context, resource apischema.ApiResource) (*store.Store, error) {
	c.reflectorMu.RLock()
	if r, ok := c.reflectors[resource]; ok {
		c.reflectorMu.RUnlock()
		return r.Store, nil
	}
	c.reflectorMu.RUnlock()

	r, err := reflector.CreateAndRun(ctx, c.dynamicClient, c.db, resource, c.metrics, c.logger)
	if err != nil {
		return nil, err
	}

	c.reflectorMu.Lock()
	if existing, ok := c.reflectors[resource]; ok {
		c.reflectorMu.Unlock()
		r.Stop()
		return existing.Store, nil
	}
	c.reflectors[resource] = r
	c.reflectorMu.Unlock()

	return r.Store, nil
}

func parseOptionalSelector(s *string) (selector.Selector, error) {
	if s == nil {
		return nil, nil
	}
	return selector.Parse(*s)
}
