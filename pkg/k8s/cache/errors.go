package cache

import "errors"

// Schema errors. Not cached negatively: a failing lookup is retried on the
// next call rather than remembered.
var (
	ErrUnknownResource      = errors.New("cache: unknown resource")
	ErrMalformedAPIVersion  = errors.New("cache: malformed apiVersion")
	ErrAPIServerUnreachable = errors.New("cache: api server unreachable")
)

// Usage errors, returned when a caller's namespace argument disagrees with
// the resource's namespaced flag.
var (
	ErrNotNamespaced     = errors.New("cache: resource is cluster-scoped, cannot be listed by namespace")
	ErrNamespaceRequired = errors.New("cache: resource is namespaced, namespace is required")
)
