// Package registry aggregates the catalogs of every connected backend into a
// single namespace, serves compact and full views of them, and keeps the
// resource subscription bookkeeping.
package registry

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Separator joins a backend id and an original name into a namespaced
// identifier. Backend ids may themselves contain it, so splitting is done by
// longest-prefix match against the registered id set.
const Separator = "_"

// Kind enumerates the catalog kinds a backend can expose.
type Kind int

const (
	KindTool Kind = iota
	KindPrompt
	KindResource
	KindResourceTemplate
)

// Kinds lists every catalog kind in a fixed order.
var Kinds = []Kind{KindTool, KindPrompt, KindResource, KindResourceTemplate}

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindPrompt:
		return "prompt"
	case KindResource:
		return "resource"
	case KindResourceTemplate:
		return "resource_template"
	default:
		return "unknown"
	}
}

// NamespacedName builds the client-facing identifier for a backend-owned name
// or URI.
func NamespacedName(backend, original string) string {
	return backend + Separator + original
}

// Entry is one namespaced catalog entry. Exactly one of the payload fields
// matching Kind is set.
type Entry struct {
	NamespacedID string
	OriginalName string
	Backend      string
	Kind         Kind
	SyncedAt     time.Time

	Tool             *mcp.Tool
	Prompt           *mcp.Prompt
	Resource         *mcp.Resource
	ResourceTemplate *mcp.ResourceTemplate
}

// Description returns the human-readable description of the underlying
// definition, empty when the payload carries none.
func (e *Entry) Description() string {
	switch e.Kind {
	case KindTool:
		return e.Tool.Description
	case KindPrompt:
		return e.Prompt.Description
	case KindResource:
		return e.Resource.Description
	case KindResourceTemplate:
		return e.ResourceTemplate.Description
	default:
		return ""
	}
}

// CompactCard is the abbreviated view of an entry: enough to pick a
// capability without pulling its full schema into a client's context.
type CompactCard struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Backend     string `json:"backend"`
}

// Compact reduces the entry to its card.
func (e *Entry) Compact() CompactCard {
	return CompactCard{
		Name:        e.NamespacedID,
		Description: e.Description(),
		Backend:     e.Backend,
	}
}
