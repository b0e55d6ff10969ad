// Copyright 2025 Philipp Hossner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client provides a wrapper around the Kubernetes client-go library.
//
// This package simplifies Kubernetes client creation and provides utilities
// for common operations like namespace discovery.
package client

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// DefaultNamespaceFile is the standard location for the service account namespace.
	DefaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// Client wraps the dynamic and discovery clients the cache needs.
type Client struct {
	dynamicClient   dynamic.Interface
	discoveryClient discovery.DiscoveryInterface
	namespace       string // Cached current namespace
}

// Config contains configuration options for creating a Kubernetes client.
type Config struct {
	// Kubeconfig path for out-of-cluster configuration.
	// If empty, uses in-cluster configuration.
	Kubeconfig string

	// Namespace is the default namespace for operations.
	// If empty, will be discovered from service account.
	Namespace string
}

// New creates a new Kubernetes client with the provided configuration.
//
// If Config.Kubeconfig is empty, uses in-cluster configuration.
// If Config.Namespace is empty, discovers namespace from service account token.
//
// Example:
//
//	// In-cluster client
//	client, err := client.New(client.Config{})
//
//	// Out-of-cluster client
//	client, err := client.New(client.Config{
//	    Kubeconfig: "/path/to/kubeconfig",
//	    Namespace:  "default",
//	})
func New(cfg Config) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		// Out-of-cluster configuration
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, &ClientError{
				Operation: "build kubeconfig",
				Err:       err,
			}
		}
	} else {
		// In-cluster configuration
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, &ClientError{
				Operation: "get in-cluster config",
				Err:       err,
			}
		}
	}

	// Create dynamic client
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, &ClientError{
			Operation: "create dynamic client",
			Err:       err,
		}
	}

	// Create discovery client, used to resolve ApiVersionKind -> ApiResource
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, &ClientError{
			Operation: "create discovery client",
			Err:       err,
		}
	}

	client := &Client{
		dynamicClient:   dynamicClient,
		discoveryClient: discoveryClient,
		namespace:       cfg.Namespace,
	}

	// Discover namespace if not provided
	if client.namespace == "" {
		ns, err := DiscoverNamespace()
		if err != nil {
			// Non-fatal: continue with empty namespace
			// Some operations may not require a namespace
			client.namespace = ""
		} else {
			client.namespace = ns
		}
	}

	return client, nil
}

// DynamicClient returns the underlying dynamic client.
func (c *Client) DynamicClient() dynamic.Interface {
	return c.dynamicClient
}

// DiscoveryClient returns the underlying discovery client, used to resolve
// an ApiVersionKind to the server's ApiResource (plural name, namespaced flag).
func (c *Client) DiscoveryClient() discovery.DiscoveryInterface {
	return c.discoveryClient
}

// Namespace returns the default namespace for this client.
func (c *Client) Namespace() string {
	return c.namespace
}

// DiscoverNamespace reads the current namespace from the service account token.
//
// Returns:
//   - The namespace string
//   - An error if the namespace cannot be discovered
//
// The namespace is read from /var/run/secrets/kubernetes.io/serviceaccount/namespace
// which is automatically mounted in pods by Kubernetes.
func DiscoverNamespace() (string, error) {
	return DiscoverNamespaceFromFile(DefaultNamespaceFile)
}

// DiscoverNamespaceFromFile reads the namespace from the specified file.
// This is primarily useful for testing.
func DiscoverNamespaceFromFile(path string) (string, error) {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", &NamespaceDiscoveryError{
			Path: path,
			Err:  err,
		}
	}

	// Read namespace from file
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", &NamespaceDiscoveryError{
			Path: path,
			Err:  err,
		}
	}

	namespace := string(data)
	if namespace == "" {
		return "", &NamespaceDiscoveryError{
			Path: path,
			Err:  os.ErrInvalid,
		}
	}

	return namespace, nil
}
