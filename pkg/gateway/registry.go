package gateway

import (
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Meta keys stamped onto every published capability so downstream clients can
// recover the owning server and the raw upstream name.
const (
	metaKeyServerID   = "toolgate.server_id"
	metaKeyNativeName = "toolgate.native_name"
	metaKeyNativeURI  = "toolgate.native_uri"
)

// CapabilityKind distinguishes the four capability families a server can
// advertise.
type CapabilityKind string

const (
	KindTool             CapabilityKind = "tool"
	KindPrompt           CapabilityKind = "prompt"
	KindResource         CapabilityKind = "resource"
	KindResourceTemplate CapabilityKind = "resource_template"
)

// kindOrder fixes the lookup and listing order for kind-agnostic operations.
var kindOrder = []CapabilityKind{KindTool, KindPrompt, KindResource, KindResourceTemplate}

func kindRank(kind CapabilityKind) int {
	for i, k := range kindOrder {
		if k == kind {
			return i
		}
	}
	return len(kindOrder)
}

// CapabilityRef identifies one published entry. Keys are only unique within
// a kind: a server may publish a tool and a prompt under the same raw name,
// minting the same key for both.
type CapabilityRef struct {
	Key  string
	Kind CapabilityKind
}

// Namespace mints and splits the published key for a capability. The default
// ServerPrefixNamespace produces "<server-id>:<raw-name>".
type Namespace interface {
	Key(serverID, raw string) string
	// Split recovers the server ID and raw name from a published key. ok is
	// false when the key carries no recognizable prefix.
	Split(key string) (serverID, raw string, ok bool)
}

// ServerPrefixNamespace joins the server ID and the raw capability name with
// a separator. Server IDs may not contain the separator, so splitting on the
// first occurrence is unambiguous even when raw names contain it.
type ServerPrefixNamespace struct {
	// Separator defaults to ":".
	Separator string
}

func (n ServerPrefixNamespace) separator() string {
	if n.Separator == "" {
		return ":"
	}
	return n.Separator
}

func (n ServerPrefixNamespace) Key(serverID, raw string) string {
	return serverID + n.separator() + raw
}

func (n ServerPrefixNamespace) Split(key string) (string, string, bool) {
	serverID, raw, ok := strings.Cut(key, n.separator())
	if !ok || serverID == "" || raw == "" {
		return "", "", false
	}
	return serverID, raw, true
}

// NamespacedCapability is one published registry entry. Exactly one of Tool,
// Prompt, Resource, or Template is set, matching Kind. The embedded
// definition is a clone whose published name carries the namespaced key and
// whose Meta records the owning server and raw name.
type NamespacedCapability struct {
	Key         string
	ServerID    string
	Kind        CapabilityKind
	Name        string
	Description string

	Tool     *mcp.Tool
	Prompt   *mcp.Prompt
	Resource *mcp.Resource
	Template *mcp.ResourceTemplate
}

// RawName returns the upstream name the key was minted from: the tool or
// prompt name, or the resource URI.
func (c *NamespacedCapability) RawName() string { return c.Name }

// Registry is the gateway's authoritative capability index. Entries are kept
// per kind, mirroring how MCP namespaces tools, prompts, and resources
// separately, so a tool and a prompt sharing a raw name coexist. Every
// mutation replaces a server's entries atomically, so a reader observes
// either the previous capability set or the new one, never a mix.
type Registry struct {
	ns Namespace

	mu         sync.RWMutex
	entries    map[CapabilityKind]map[string]*NamespacedCapability
	serverRefs map[string][]CapabilityRef
	// resourceReverse maps serverID+"\x00"+nativeURI back to the published
	// key so upstream resource-updated notifications can be rebased.
	resourceReverse map[string]string
}

// NewRegistry builds an empty registry. A nil namespace falls back to
// ServerPrefixNamespace.
func NewRegistry(ns Namespace) *Registry {
	if ns == nil {
		ns = ServerPrefixNamespace{}
	}
	entries := make(map[CapabilityKind]map[string]*NamespacedCapability, len(kindOrder))
	for _, kind := range kindOrder {
		entries[kind] = make(map[string]*NamespacedCapability)
	}
	return &Registry{
		ns:              ns,
		entries:         entries,
		serverRefs:      make(map[string][]CapabilityRef),
		resourceReverse: make(map[string]string),
	}
}

// ListFilter narrows a List call. Zero values match everything.
type ListFilter struct {
	ServerID string
	Kind     CapabilityKind
}

// Ingest atomically replaces a server's entries with the given capability
// set. It returns the refs that disappeared and the entries now published,
// letting callers mirror the delta elsewhere.
func (r *Registry) Ingest(serverID string, set *CapabilitySet) (removed []CapabilityRef, added []*NamespacedCapability) {
	if set == nil {
		set = &CapabilitySet{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.dropLocked(serverID)

	refs := make([]CapabilityRef, 0, set.Count())
	added = make([]*NamespacedCapability, 0, set.Count())
	publish := func(entry *NamespacedCapability) {
		r.entries[entry.Kind][entry.Key] = entry
		refs = append(refs, CapabilityRef{Key: entry.Key, Kind: entry.Kind})
		added = append(added, entry)
	}
	for _, tool := range set.Tools {
		if tool == nil {
			continue
		}
		publish(r.namespaceTool(serverID, tool))
	}
	for _, prompt := range set.Prompts {
		if prompt == nil {
			continue
		}
		publish(r.namespacePrompt(serverID, prompt))
	}
	for _, resource := range set.Resources {
		if resource == nil {
			continue
		}
		entry := r.namespaceResource(serverID, resource)
		publish(entry)
		r.resourceReverse[reverseKey(serverID, resource.URI)] = entry.Key
	}
	for _, tpl := range set.Templates {
		if tpl == nil {
			continue
		}
		publish(r.namespaceTemplate(serverID, tpl))
	}
	r.serverRefs[serverID] = refs

	stillPublished := make(map[CapabilityRef]struct{}, len(refs))
	for _, ref := range refs {
		stillPublished[ref] = struct{}{}
	}
	for _, ref := range previous {
		if _, ok := stillPublished[ref]; !ok {
			removed = append(removed, ref)
		}
	}
	return removed, added
}

// Drop atomically removes every entry owned by a server and returns the refs
// that were removed.
func (r *Registry) Drop(serverID string) []CapabilityRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropLocked(serverID)
}

func (r *Registry) dropLocked(serverID string) []CapabilityRef {
	refs := r.serverRefs[serverID]
	for _, ref := range refs {
		kindEntries := r.entries[ref.Kind]
		if entry, ok := kindEntries[ref.Key]; ok {
			if ref.Kind == KindResource {
				delete(r.resourceReverse, reverseKey(serverID, entry.Name))
			}
			delete(kindEntries, ref.Key)
		}
	}
	delete(r.serverRefs, serverID)
	return refs
}

// Resolve looks up a published key across every kind, in tool, prompt,
// resource, template order. Callers that know the expected kind should use
// ResolveKind, since a key may be published under more than one.
func (r *Registry) Resolve(key string) (*NamespacedCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range kindOrder {
		if entry, ok := r.entries[kind][key]; ok {
			return entry, true
		}
	}
	return nil, false
}

// ResolveKind looks up a published key within one kind.
func (r *Registry) ResolveKind(key string, kind CapabilityKind) (*NamespacedCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[kind][key]
	return entry, ok
}

// ResolveNativeURI maps a server's raw resource URI back to its published
// key. Used to rebase upstream resource-updated notifications.
func (r *Registry) ResolveNativeURI(serverID, nativeURI string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.resourceReverse[reverseKey(serverID, nativeURI)]
	return key, ok
}

// List returns the entries matching the filter, sorted by key and then kind.
func (r *Registry) List(filter ListFilter) []*NamespacedCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*NamespacedCapability
	for _, kind := range kindOrder {
		if filter.Kind != "" && kind != filter.Kind {
			continue
		}
		for _, entry := range r.entries[kind] {
			if filter.ServerID != "" && entry.ServerID != filter.ServerID {
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return kindRank(out[i].Kind) < kindRank(out[j].Kind)
	})
	return out
}

// CountByServer reports how many entries each server currently publishes.
func (r *Registry) CountByServer() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.serverRefs))
	for id, refs := range r.serverRefs {
		out[id] = len(refs)
	}
	return out
}

func (r *Registry) namespaceTool(serverID string, tool *mcp.Tool) *NamespacedCapability {
	key := r.ns.Key(serverID, tool.Name)
	clone := *tool
	clone.Name = key
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &NamespacedCapability{
		Key:         key,
		ServerID:    serverID,
		Kind:        KindTool,
		Name:        tool.Name,
		Description: tool.Description,
		Tool:        &clone,
	}
}

func (r *Registry) namespacePrompt(serverID string, prompt *mcp.Prompt) *NamespacedCapability {
	key := r.ns.Key(serverID, prompt.Name)
	clone := *prompt
	clone.Name = key
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: prompt.Name,
	})
	return &NamespacedCapability{
		Key:         key,
		ServerID:    serverID,
		Kind:        KindPrompt,
		Name:        prompt.Name,
		Description: prompt.Description,
		Prompt:      &clone,
	}
}

func (r *Registry) namespaceResource(serverID string, resource *mcp.Resource) *NamespacedCapability {
	key := r.ns.Key(serverID, resource.URI)
	clone := *resource
	clone.URI = key
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaKeyServerID:  serverID,
		metaKeyNativeURI: resource.URI,
	})
	return &NamespacedCapability{
		Key:         key,
		ServerID:    serverID,
		Kind:        KindResource,
		Name:        resource.URI,
		Description: resource.Description,
		Resource:    &clone,
	}
}

func (r *Registry) namespaceTemplate(serverID string, tpl *mcp.ResourceTemplate) *NamespacedCapability {
	key := r.ns.Key(serverID, tpl.URITemplate)
	clone := *tpl
	clone.URITemplate = key
	clone.Meta = withMeta(tpl.Meta, map[string]any{
		metaKeyServerID:  serverID,
		metaKeyNativeURI: tpl.URITemplate,
	})
	return &NamespacedCapability{
		Key:         key,
		ServerID:    serverID,
		Kind:        KindResourceTemplate,
		Name:        tpl.URITemplate,
		Description: tpl.Description,
		Template:    &clone,
	}
}

func reverseKey(serverID, nativeURI string) string {
	return serverID + "\x00" + nativeURI
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
