package callback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kubewarden/k8s-context-cache/pkg/k8s/apischema"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/cache"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callback_test.db")
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func service(name, namespace string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
		},
	}}
}

func newTestCacheClient(t *testing.T, objs ...runtime.Object) *cache.Client {
	t.Helper()

	clientset := fake.NewSimpleClientset()
	clientset.Resources = []*metav1.APIResourceList{
		{
			GroupVersion: "v1",
			APIResources: []metav1.APIResource{
				{Name: "services", Kind: "Service", Namespaced: true},
			},
		},
	}

	scheme := runtime.NewScheme()
	listKinds := map[schema.GroupVersionResource]string{
		{Group: "", Version: "v1", Resource: "services"}: "ServiceList",
	}
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objs...)

	return cache.New(clientset.Discovery(), dynamicClient, openTestDB(t), nil, nil)
}

func startHandler(t *testing.T, client *cache.Client) *Handler {
	t.Helper()
	h := NewBuilder(client).ChannelBufferSize(10).Build()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return h
}

func TestSubmit_GetResourcePluralName(t *testing.T) {
	client := newTestCacheClient(t)
	h := startHandler(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.Submit(ctx, Request{
		Kind:         KubernetesGetResourcePluralName,
		APIVersion:   "v1",
		ResourceKind: "Service",
	})
	require.NoError(t, err)

	plural, err := DecodePluralName(resp)
	require.NoError(t, err)
	assert.Equal(t, "services", plural)
}

func TestSubmit_ListResourceAll_RoundTripsObjectList(t *testing.T) {
	client := newTestCacheClient(t, service("svc", "default"))
	h := startHandler(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.Submit(ctx, Request{
		Kind:         KubernetesListResourceAll,
		APIVersion:   "v1",
		ResourceKind: "Service",
	})
	require.NoError(t, err)

	var list apischema.ObjectList
	require.NoError(t, DecodeInto(resp, &list))

	assert.Equal(t, "v1", list.APIVersion)
	assert.Equal(t, "ServiceList", list.Kind)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "svc", list.Items[0].GetName())
}

func TestSubmit_ListResourceByNamespace_RequiresNamespace(t *testing.T) {
	client := newTestCacheClient(t)
	h := startHandler(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.Submit(ctx, Request{
		Kind:         KubernetesListResourceByNamespace,
		APIVersion:   "v1",
		ResourceKind: "Service",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallbackRequest)
}

func TestSubmit_QueueFull_FailsFast(t *testing.T) {
	client := newTestCacheClient(t)
	h := NewBuilder(client).ChannelBufferSize(1).Build()

	// Saturate the queue's single slot without starting Run, so the next
	// Submit must fail immediately rather than block.
	h.queue <- envelope{id: "blocker", reply: make(chan replyOrError, 1)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := h.Submit(ctx, Request{Kind: KubernetesGetResourcePluralName, APIVersion: "v1", ResourceKind: "Service"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallbackSend)
}
