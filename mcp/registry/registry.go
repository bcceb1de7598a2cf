// Package registry implements the Tool-Server Registry Client: given a
// server identifier, version, and feature flags, resolves a ToolServerMetadata
// by trying a cache, then a remote HTTP registry, then a built-in fallback
// table, per spec §4.9. Grounded on the teacher's runtime/registry.Manager
// resolution order and its cache-key handling for feature-flag-scoped
// lookups.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// PackageDescriptor describes one installable form of a tool server, per
// spec §2 (ToolServerMetadata.packages).
type PackageDescriptor struct {
	Type            string
	Identifier      string
	Version         string
	RegistryBaseURL string
}

// RemoteDescriptor describes one network-reachable form of a tool server.
type RemoteDescriptor struct {
	Type    string // "stdio" | "sse" | "http" | "websocket"
	URL     string
	Headers map[string]string
}

// EnvVarDescriptor describes one environment variable a tool server needs.
type EnvVarDescriptor struct {
	Name        string
	Required    bool
	Description string
}

// ToolServerMetadata is the resolved description of a tool server, per spec
// §2. Invariant: at least one package or remote entry must be present.
type ToolServerMetadata struct {
	Name        string
	Version     string
	Description string
	Packages    []PackageDescriptor
	Remotes     []RemoteDescriptor
	EnvVars     []EnvVarDescriptor
}

// PreferredTransport is the result of applying get_preferred_transport's
// ordering: local stdio package > SSE remote > HTTP remote > WebSocket
// remote.
type PreferredTransport struct {
	Kind    string // "stdio" | "sse" | "http" | "websocket"
	Package *PackageDescriptor
	Remote  *RemoteDescriptor
}

// PreferredTransport selects a transport per spec §2's fixed preference
// order, erroring when metadata has neither a stdio package nor any remote.
func (m *ToolServerMetadata) PreferredTransport() (PreferredTransport, error) {
	for i, pkg := range m.Packages {
		if pkg.Type == "stdio" || pkg.Type == "" {
			return PreferredTransport{Kind: "stdio", Package: &m.Packages[i]}, nil
		}
	}
	for _, kind := range []string{"sse", "http", "websocket"} {
		for i, rem := range m.Remotes {
			if rem.Type == kind {
				return PreferredTransport{Kind: kind, Remote: &m.Remotes[i]}, nil
			}
		}
	}
	return PreferredTransport{}, &agentbuserr.ValidationError{
		Component: m.Name,
		Reason:    "no local package or remote transport available",
	}
}

// Flags are feature flags that scope a resolution (toolset filters,
// read-only mode, etc.) and fold into the cache key exactly as the teacher's
// federation/cache-key handling does.
type Flags map[string]string

// cacheKey folds identifier, version, and sorted flags into one string,
// grounded on runtime/registry.Manager's federation cache-key construction.
func cacheKey(identifier, version string, flags Flags) string {
	var b strings.Builder
	b.WriteString(identifier)
	b.WriteByte('@')
	b.WriteString(version)
	if len(flags) > 0 {
		keys := make([]string, 0, len(flags))
		for k := range flags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, ";%s=%s", k, flags[k])
		}
	}
	return b.String()
}

// Client resolves ToolServerMetadata, per spec §4.9's three-source
// resolution order.
type Client struct {
	cache      Cache
	httpClient *http.Client
	registryURL string
	fallback   map[string]ToolServerMetadata
	cacheTTL   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCache sets the Cache consulted first. Defaults to an unshared
// MemoryCache.
func WithCache(c Cache) ClientOption { return func(cl *Client) { cl.cache = c } }

// WithRegistryURL sets the base URL of a remote HTTP registry consulted when
// the cache misses. Resolution against
// "{registryURL}/v1/servers/{identifier}/{version}" is attempted when set.
func WithRegistryURL(url string) ClientOption { return func(cl *Client) { cl.registryURL = url } }

// WithHTTPClient overrides the http.Client used for remote registry lookups.
func WithHTTPClient(hc *http.Client) ClientOption { return func(cl *Client) { cl.httpClient = hc } }

// WithCacheTTL sets how long a resolved entry is cached. Defaults to 10
// minutes.
func WithCacheTTL(d time.Duration) ClientOption { return func(cl *Client) { cl.cacheTTL = d } }

// WithFallback registers a built-in metadata entry, consulted only when both
// the cache and the remote registry fail to resolve identifier.
func WithFallback(identifier string, meta ToolServerMetadata) ClientOption {
	return func(cl *Client) { cl.fallback[identifier] = meta }
}

// NewClient constructs a Client. With no options it has an empty in-memory
// cache, no remote registry, and no fallback entries (every Resolve call
// will fail not-found).
func NewClient(opts ...ClientOption) *Client {
	cl := &Client{
		cache:      NewMemoryCache(),
		httpClient: http.DefaultClient,
		fallback:   make(map[string]ToolServerMetadata),
		cacheTTL:   10 * time.Minute,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Resolve returns metadata for (identifier, version, flags), trying in
// order: the cache, a remote HTTP registry lookup, and the built-in
// fallback table. Returns a not-found ValidationError only if all three
// sources fail, per spec §4.9.
func (cl *Client) Resolve(ctx context.Context, identifier, version string, flags Flags) (*ToolServerMetadata, error) {
	key := cacheKey(identifier, version, flags)

	if cl.cache != nil {
		if meta, err := cl.cache.Get(ctx, key); err == nil && meta != nil {
			return meta, nil
		}
	}

	if cl.registryURL != "" {
		if meta, err := cl.fetchRemote(ctx, identifier, version); err == nil && meta != nil {
			if cl.cache != nil {
				_ = cl.cache.Set(ctx, key, meta, cl.cacheTTL)
			}
			return meta, nil
		}
	}

	if meta, ok := cl.fallback[identifier]; ok {
		m := meta
		if cl.cache != nil {
			_ = cl.cache.Set(ctx, key, &m, cl.cacheTTL)
		}
		return &m, nil
	}

	return nil, &agentbuserr.ValidationError{
		Component: identifier,
		Reason:    fmt.Sprintf("no tool-server metadata for %q version %q: cache, registry, and fallback all missed", identifier, version),
	}
}

func (cl *Client) fetchRemote(ctx context.Context, identifier, version string) (*ToolServerMetadata, error) {
	url := fmt.Sprintf("%s/v1/servers/%s/%s", strings.TrimRight(cl.registryURL, "/"), identifier, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cl.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry lookup for %q returned %d", identifier, resp.StatusCode)
	}
	var meta ToolServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding registry response for %q: %w", identifier, err)
	}
	return &meta, nil
}
