package models

import (
	"sort"
	"sync"
	"time"
)

// Service is an instantiated topology.
type Service struct {
	// ID is the unique identifier for this service.
	ID string `json:"id"`

	// Name is unique across services.
	Name string `json:"name"`

	// TemplateName is the service template this service came from.
	TemplateName string `json:"template_name"`

	// Description is copied from the template.
	Description string `json:"description,omitempty"`

	// Inputs are the merged service inputs.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Plugins are the resolved plugin specifications, keyed by plugin name.
	Plugins map[string]*Plugin `json:"plugins,omitempty"`

	// Nodes in instantiation order.
	Nodes []*Node `json:"nodes"`

	// Template is the service template; nil for services loaded from
	// storage.
	Template *ServiceTemplate `json:"-"`

	// CreatedAt is when the service was instantiated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `json:"updated_at"`
}

// Node returns the node with the given id or nil.
func (s *Service) Node(id string) *Node {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeByName returns the node with the given name or nil.
func (s *Service) NodeByName(name string) *Node {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// NodesOfTemplate returns the nodes instantiated from the named template.
func (s *Service) NodesOfTemplate(template string) []*Node {
	var out []*Node
	for _, n := range s.Nodes {
		if n.TemplateName == template {
			out = append(out, n)
		}
	}
	return out
}

// Relationship returns the relationship with the given id or nil.
func (s *Service) Relationship(id string) *Relationship {
	for _, n := range s.Nodes {
		for _, r := range n.Outbound {
			if r.ID == id {
				return r
			}
		}
	}
	return nil
}

// LinkRelationships fills the node pointers and inbound lists from the ids
// carried by each relationship.
func (s *Service) LinkRelationships() {
	byID := make(map[string]*Node, len(s.Nodes))
	for _, n := range s.Nodes {
		byID[n.ID] = n
		n.Inbound = nil
	}
	for _, n := range s.Nodes {
		for _, r := range n.Outbound {
			r.SourceNode = n
			r.SourceNodeID = n.ID
			if target, ok := byID[r.TargetNodeID]; ok {
				r.TargetNode = target
				target.Inbound = append(target.Inbound, r)
			}
		}
	}
}

// Plugin is an installed execution plugin a service was bound to.
type Plugin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Node is a runtime instance of a node template.
type Node struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`

	// Name is "<template>_<short id>".
	Name string `json:"name"`

	// ServiceID is the owning service.
	ServiceID string `json:"service_id"`

	// TemplateName is the node template this node came from.
	TemplateName string `json:"template_name"`

	// TypeName is the node type.
	TypeName string `json:"type_name"`

	// TypeHierarchy lists the node type followed by its ancestors.
	TypeHierarchy []string `json:"type_hierarchy"`

	// State is the lifecycle state.
	State NodeState `json:"state"`

	// HostID is the node this one is hosted on, itself for a root host.
	HostID string `json:"host_id,omitempty"`

	// Properties are copied from the template.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Attributes are runtime values set by operations.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Interfaces by name.
	Interfaces map[string]*Interface `json:"interfaces,omitempty"`

	// Capabilities by name.
	Capabilities map[string]*Capability `json:"capabilities,omitempty"`

	// Outbound are the relationships this node is the source of, in order.
	Outbound []*Relationship `json:"outbound_relationships,omitempty"`

	// Inbound are the relationships targeting this node.
	Inbound []*Relationship `json:"-"`

	// Template is the node template; nil for nodes loaded from storage.
	Template *NodeTemplate `json:"-"`
}

// IsOfType reports whether the node's type is name or derives from it.
func (n *Node) IsOfType(name string) bool {
	for _, t := range n.TypeHierarchy {
		if t == name {
			return true
		}
	}
	return false
}

// Operation looks up an operation by interface and name.
func (n *Node) Operation(iface, op string) *Operation {
	return lookupOperation(n.Interfaces, iface, op)
}

// CapabilityNames returns capability names, sorted.
func (n *Node) CapabilityNames() []string {
	names := make([]string, 0, len(n.Capabilities))
	for name := range n.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capability is a runtime instance of a capability template.
type Capability struct {
	mu sync.Mutex

	Name           string                 `json:"name"`
	TypeName       string                 `json:"type_name"`
	MinOccurrences int                    `json:"min_occurrences"`
	MaxOccurrences int                    `json:"max_occurrences"`
	Occurrences    int                    `json:"occurrences"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
}

// Relate consumes one occurrence. It returns false, leaving Occurrences
// untouched, when the capability is already at its maximum.
func (c *Capability) Relate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MaxOccurrences != UnboundedOccurrences && c.Occurrences >= c.MaxOccurrences {
		return false
	}
	c.Occurrences++
	return true
}

// HasEnoughRelationships reports whether the minimum occurrence count is met.
func (c *Capability) HasEnoughRelationships() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Occurrences >= c.MinOccurrences
}

// Relationship is a runtime link from a source node to a target node.
type Relationship struct {
	// ID is the unique identifier for this relationship.
	ID string `json:"id"`

	// Name is the requirement name.
	Name string `json:"name"`

	// TypeName is the relationship type.
	TypeName string `json:"type_name,omitempty"`

	// TypeHierarchy lists the relationship type followed by its ancestors.
	TypeHierarchy []string `json:"type_hierarchy,omitempty"`

	// SourceNodeID is the node holding the requirement.
	SourceNodeID string `json:"source_node_id"`

	// TargetNodeID is the node exposing the capability.
	TargetNodeID string `json:"target_node_id"`

	// TargetCapabilityName is the capability consumed, if any.
	TargetCapabilityName string `json:"target_capability_name,omitempty"`

	// RequirementName records the requirement template that produced this relationship.
	RequirementName string `json:"requirement_name"`

	// TemplateName is the relationship template, if any.
	TemplateName string `json:"template_name,omitempty"`

	// Properties are copied from the relationship template.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Interfaces by name.
	Interfaces map[string]*Interface `json:"interfaces,omitempty"`

	SourceNode *Node `json:"-"`
	TargetNode *Node `json:"-"`
}

// IsOfType reports whether the relationship's type is name or derives from it.
func (r *Relationship) IsOfType(name string) bool {
	for _, t := range r.TypeHierarchy {
		if t == name {
			return true
		}
	}
	return false
}

// Operation looks up an operation by interface and name.
func (r *Relationship) Operation(iface, op string) *Operation {
	return lookupOperation(r.Interfaces, iface, op)
}

// Interface groups operations on a node or relationship.
type Interface struct {
	Name       string                 `json:"name"`
	TypeName   string                 `json:"type,omitempty"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Operations map[string]*Operation  `json:"operations,omitempty"`
}

// Operation is a configured, runnable operation.
type Operation struct {
	Name string `json:"name"`

	// Implementation is the raw "plugin > function" string.
	Implementation string `json:"implementation,omitempty"`

	// Plugin is the resolved plugin name, empty for the default runtime.
	Plugin string `json:"plugin,omitempty"`

	// Function is the resolved function name, empty when unimplemented.
	Function string `json:"function,omitempty"`

	// Arguments are the merged interface and operation inputs.
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	// MaxAttempts overrides the workflow default when non-zero.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RetryInterval overrides the workflow default when set.
	RetryInterval *time.Duration `json:"retry_interval,omitempty"`

	// RunsOn selects the host for relationship operations.
	RunsOn RunsOn `json:"runs_on,omitempty"`
}

func lookupOperation(interfaces map[string]*Interface, iface, op string) *Operation {
	i, ok := interfaces[iface]
	if !ok {
		return nil
	}
	return i.Operations[op]
}

// Log is one persisted operation or engine log line.
type Log struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}
