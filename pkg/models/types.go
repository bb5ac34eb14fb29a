package models

import (
	"fmt"
	"sort"
)

// Type is a node in a TOSCA type hierarchy (node, capability, relationship or
// interface types).
type Type struct {
	// Name is the fully qualified type name.
	Name string `json:"name"`

	// Parent is the type this one derives from, nil for a root.
	Parent *Type `json:"-"`

	// Children are the types deriving directly from this one.
	Children []*Type `json:"-"`
}

// Descendant returns t itself or the descendant of t named name, or nil.
func (t *Type) Descendant(name string) *Type {
	if t == nil {
		return nil
	}
	if t.Name == name {
		return t
	}
	for _, child := range t.Children {
		if found := child.Descendant(name); found != nil {
			return found
		}
	}
	return nil
}

// IsDerivedFrom reports whether t is ancestor or one of its descendants.
func (t *Type) IsDerivedFrom(ancestor *Type) bool {
	if t == nil || ancestor == nil {
		return false
	}
	for cur := t; cur != nil; cur = cur.Parent {
		if cur.Name == ancestor.Name {
			return true
		}
	}
	return false
}

// Hierarchy returns t followed by its ancestors up to the root.
func (t *Type) Hierarchy() []*Type {
	var out []*Type
	for cur := t; cur != nil; cur = cur.Parent {
		out = append(out, cur)
	}
	return out
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// TypeHierarchy indexes one family of types by name.
type TypeHierarchy struct {
	byName map[string]*Type
}

// NewTypeHierarchy creates an empty hierarchy.
func NewTypeHierarchy() *TypeHierarchy {
	return &TypeHierarchy{byName: make(map[string]*Type)}
}

// Add registers name deriving from parent. An empty parent makes a root.
func (h *TypeHierarchy) Add(name, parent string) (*Type, error) {
	if _, exists := h.byName[name]; exists {
		return nil, fmt.Errorf("type %s already defined", name)
	}
	t := &Type{Name: name}
	if parent != "" {
		p, ok := h.byName[parent]
		if !ok {
			return nil, fmt.Errorf("type %s derives from unknown type %s", name, parent)
		}
		t.Parent = p
		p.Children = append(p.Children, t)
	}
	h.byName[name] = t
	return t, nil
}

// Get returns the named type or nil.
func (h *TypeHierarchy) Get(name string) *Type {
	if h == nil {
		return nil
	}
	return h.byName[name]
}

// Names returns every type name, sorted.
func (h *TypeHierarchy) Names() []string {
	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
