package topology

import (
	"maps"

	"github.com/google/uuid"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// target is a resolved requirement target: a node template and, when the
// requirement asks for one, the capability on it.
type target struct {
	template   *models.NodeTemplate
	capability *models.CapabilityTemplate
}

// SatisfyRequirements creates a relationship for every requirement of every
// node. Requirements already satisfied by an existing relationship are
// skipped, so repeated passes are harmless. It reports whether all
// requirements were satisfied; the reasons for any that were not are
// recorded as issues. Only a relationship template that cannot be
// configured is a hard error.
func (t *Topology) SatisfyRequirements(service *models.Service) (bool, error) {
	templates := serviceTemplates(service)
	satisfied := true
	for _, node := range service.Nodes {
		ok, err := t.satisfyNode(service, templates, node)
		if err != nil {
			return false, err
		}
		satisfied = satisfied && ok
	}
	service.LinkRelationships()
	return satisfied, nil
}

// serviceTemplates lists every node template of the service's template,
// including those with no instances, so a target without nodes is reported
// as such. A service without its template falls back to the templates of
// its nodes.
func serviceTemplates(service *models.Service) []*models.NodeTemplate {
	if service.Template != nil {
		return service.Template.NodeTemplates
	}
	var out []*models.NodeTemplate
	seen := make(map[string]bool)
	for _, n := range service.Nodes {
		if n.Template == nil || seen[n.Template.Name] {
			continue
		}
		seen[n.Template.Name] = true
		out = append(out, n.Template)
	}
	return out
}

func (t *Topology) satisfyNode(service *models.Service, templates []*models.NodeTemplate, node *models.Node) (bool, error) {
	if node.Template == nil {
		return true, nil
	}
	satisfied := true
	for _, req := range node.Template.Requirements {
		if hasRelationshipFor(node, req) {
			continue
		}
		found, ok := t.findTarget(node, templates, req)
		if !ok {
			t.issues.Report(LevelBetweenInstances, "requirement %q of node %q has no target node template",
				req.Name, node.Name)
			satisfied = false
			continue
		}
		ok, err := t.satisfyCapability(service, node, req, found)
		if err != nil {
			return false, err
		}
		satisfied = satisfied && ok
	}
	return satisfied, nil
}

func hasRelationshipFor(node *models.Node, req *models.RequirementTemplate) bool {
	for _, rel := range node.Outbound {
		if rel.RequirementName == req.Name {
			return true
		}
	}
	return false
}

// findTarget resolves the node template a requirement points at: the named
// template, else the first template of the named node type, else the first
// template exposing a matching capability.
func (t *Topology) findTarget(node *models.Node, templates []*models.NodeTemplate, req *models.RequirementTemplate) (target, bool) {
	source := node.Template
	wantsCapability := req.TargetCapabilityType != nil || req.TargetCapabilityName != ""

	switch {
	case req.TargetNodeTemplate != nil:
		tmpl := req.TargetNodeTemplate
		if !source.IsTargetValid(tmpl) {
			t.issues.Report(LevelBetweenTypes,
				"requirement %q of node template %q is for node template %q but it does not match constraints",
				req.Name, source.Name, tmpl.Name)
			return target{}, false
		}
		if !wantsCapability {
			return target{template: tmpl}, true
		}
		capability := t.capabilityFor(source, req, tmpl)
		if capability == nil {
			return target{}, false
		}
		return target{template: tmpl, capability: capability}, true

	case req.TargetNodeType != nil:
		for _, tmpl := range templates {
			if tmpl.Type == nil || req.TargetNodeType.Descendant(tmpl.Type.Name) == nil {
				continue
			}
			if !source.IsTargetValid(tmpl) {
				continue
			}
			if !wantsCapability {
				if !constraintsMatch(source, req, tmpl) {
					continue
				}
				return target{template: tmpl}, true
			}
			if capability := t.capabilityFor(source, req, tmpl); capability != nil {
				return target{template: tmpl, capability: capability}, true
			}
		}

	case wantsCapability:
		for _, tmpl := range templates {
			if capability := t.capabilityFor(source, req, tmpl); capability != nil {
				return target{template: tmpl, capability: capability}, true
			}
		}
	}
	return target{}, false
}

// capabilityFor returns the first capability of tmpl that satisfies req for
// source, or nil.
func (t *Topology) capabilityFor(source *models.NodeTemplate, req *models.RequirementTemplate, tmpl *models.NodeTemplate) *models.CapabilityTemplate {
	for _, capability := range tmpl.Capabilities {
		if satisfiesRequirement(source, capability, req, tmpl) {
			return capability
		}
	}
	return nil
}

func satisfiesRequirement(source *models.NodeTemplate, capability *models.CapabilityTemplate, req *models.RequirementTemplate, tmpl *models.NodeTemplate) bool {
	if req.TargetCapabilityName != "" && capability.Name != req.TargetCapabilityName {
		return false
	}
	if req.TargetCapabilityType != nil {
		if capability.Type == nil || req.TargetCapabilityType.Descendant(capability.Type.Name) == nil {
			return false
		}
	}
	if len(capability.ValidSourceNodeTypes) > 0 {
		valid := false
		for _, allowed := range capability.ValidSourceNodeTypes {
			if source.Type != nil && source.Type.IsDerivedFrom(allowed) {
				valid = true
				break
			}
		}
		if !valid {
			return false
		}
	}
	return constraintsMatch(source, req, tmpl)
}

func constraintsMatch(source *models.NodeTemplate, req *models.RequirementTemplate, tmpl *models.NodeTemplate) bool {
	for _, constraint := range req.Constraints {
		if !constraint.Matches(source, tmpl) {
			return false
		}
	}
	return true
}

// satisfyCapability picks a target node of the resolved template and links
// node to it. With a capability, the first target node whose capability
// still has room is used.
func (t *Topology) satisfyCapability(service *models.Service, node *models.Node, req *models.RequirementTemplate, found target) (bool, error) {
	candidates := service.NodesOfTemplate(found.template.Name)
	if len(candidates) == 0 {
		t.issues.Report(LevelBetweenInstances,
			"requirement %q of node %q targets node template %q but it has no instantiated nodes",
			req.Name, node.Name, found.template.Name)
		return false, nil
	}

	var targetNode *models.Node
	var capabilityName string
	if found.capability != nil {
		for _, candidate := range candidates {
			capability, ok := candidate.Capabilities[found.capability.Name]
			if ok && capability.Relate() {
				targetNode = candidate
				capabilityName = capability.Name
				break
			}
		}
	} else {
		targetNode = candidates[0]
	}
	if targetNode == nil {
		t.issues.Report(LevelBetweenInstances,
			"requirement %q of node %q targets node template %q but its instantiated nodes do not have enough capacity",
			req.Name, node.Name, found.template.Name)
		return false, nil
	}

	rel, err := t.relationship(node, targetNode, capabilityName, req)
	if err != nil {
		return false, err
	}
	node.Outbound = append(node.Outbound, rel)
	t.logger.Debug().
		Str("source", node.Name).
		Str("target", targetNode.Name).
		Str("requirement", req.Name).
		Msg("Requirement satisfied")
	return true, nil
}

func (t *Topology) relationship(source, targetNode *models.Node, capabilityName string, req *models.RequirementTemplate) (*models.Relationship, error) {
	rel := &models.Relationship{
		ID:                   uuid.New().String(),
		Name:                 req.Name,
		SourceNodeID:         source.ID,
		TargetNodeID:         targetNode.ID,
		TargetCapabilityName: capabilityName,
		RequirementName:      req.Name,
		SourceNode:           source,
		TargetNode:           targetNode,
	}
	if rt := req.RelationshipTemplate; rt != nil {
		interfaces, err := t.configureInterfaces(rt.Interfaces)
		if err != nil {
			return nil, err
		}
		rel.TemplateName = rt.Name
		rel.Properties = maps.Clone(rt.Properties)
		rel.Interfaces = interfaces
		if rt.Type != nil {
			rel.TypeName = rt.Type.Name
			rel.TypeHierarchy = typeNames(rt.Type)
		}
	}
	return rel, nil
}

// ValidateCapabilities reports every capability left below its minimum
// occurrence count and returns whether there were none.
func (t *Topology) ValidateCapabilities(service *models.Service) bool {
	satisfied := true
	for _, node := range service.Nodes {
		for _, name := range node.CapabilityNames() {
			capability := node.Capabilities[name]
			if !capability.HasEnoughRelationships() {
				t.issues.Report(LevelBetweenInstances,
					"capability %q of node %q requires at least %d relationships but has %d",
					capability.Name, node.Name, capability.MinOccurrences, capability.Occurrences)
				satisfied = false
			}
		}
	}
	return satisfied
}
