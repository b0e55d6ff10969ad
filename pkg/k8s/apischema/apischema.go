// Package apischema holds the resource-coordinate types shared by the
// schema-discovery cache and the reflector registry: the user-facing
// (apiVersion, kind) pair, the server-resolved structural metadata it maps
// to, and the list envelope returned by Store reads.
package apischema

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ApiVersionKind is the user-facing coordinate a caller asks about, e.g.
// ("v1", "Pod") or ("apps/v1", "Deployment"). Equality is structural, making
// it usable as a map key.
type ApiVersionKind struct {
	APIVersion string
	Kind       string
}

// ApiResource is the structural metadata the Kubernetes API server reports
// for a resource type. (Group, Version, Kind) uniquely identifies a resource
// type server-side; Plural is the wire-name used to derive table
// identifiers and REST paths.
type ApiResource struct {
	Group      string
	Version    string
	APIVersion string
	Kind       string
	Plural     string
}

// GroupVersionResource returns the client-go coordinate used to address this
// resource through the dynamic client.
func (r ApiResource) GroupVersionResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Plural}
}

// KubeResource pairs an ApiResource with whether instances of it live inside
// a namespace.
type KubeResource struct {
	Resource   ApiResource
	Namespaced bool
}

// ObjectList is the envelope returned by Store reads and Client list calls.
// Kind is always forced to "<Kind>List" regardless of what any individual
// item carries, per the resource-list convention.
type ObjectList struct {
	APIVersion string                      `json:"apiVersion"`
	Kind       string                      `json:"kind"`
	Items      []unstructured.Unstructured `json:"items"`
}

// NewObjectList builds an ObjectList for the given resource, forcing Kind to
// "<Kind>List".
func NewObjectList(apiVersion, kind string, items []unstructured.Unstructured) ObjectList {
	if items == nil {
		items = []unstructured.Unstructured{}
	}
	return ObjectList{
		APIVersion: apiVersion,
		Kind:       kind + "List",
		Items:      items,
	}
}

// ContextAwareResource is an (apiVersion, kind) pair a policy is permitted to
// query through the callback bridge.
type ContextAwareResource struct {
	APIVersion string
	Kind       string
}

// Allows reports whether resources is permitted to reference (apiVersion,
// kind). It is a pure predicate; enforcement is the caller's responsibility.
func Allows(resources []ContextAwareResource, apiVersion, kind string) bool {
	for _, r := range resources {
		if r.APIVersion == apiVersion && r.Kind == kind {
			return true
		}
	}
	return false
}
