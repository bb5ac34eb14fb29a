package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/policy"
)

// DocumentError lists everything wrong with a template document.
type DocumentError struct {
	Path   string
	Errors []ValidationError
}

func (e *DocumentError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	prefix := "invalid template"
	if e.Path != "" {
		prefix = "invalid template " + e.Path
	}
	return prefix + ": " + strings.Join(msgs, "; ")
}

// Convert builds a service template from a decoded document. Normative TOSCA
// types are always available. Node templates are ordered by name. Policies
// may be nil when no requirement declares a node filter or constraint.
func Convert(doc *TemplateDocument, policies *policy.Engine) (*models.ServiceTemplate, error) {
	c := &converter{
		doc:       doc,
		policies:  policies,
		nodeTypes: make(map[string]NodeTypeDoc),
		relTypes:  make(map[string]RelationshipTypeDoc),
	}
	st := c.convert()
	if len(c.errs) > 0 {
		return nil, models.NewValidationError("template "+doc.Name+" is invalid", &DocumentError{Errors: c.errs})
	}
	return st, nil
}

type converter struct {
	doc       *TemplateDocument
	policies  *policy.Engine
	nodeTypes map[string]NodeTypeDoc
	relTypes  map[string]RelationshipTypeDoc
	errs      []ValidationError
}

func (c *converter) fail(path, format string, args ...interface{}) {
	c.errs = append(c.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *converter) convert() *models.ServiceTemplate {
	st := &models.ServiceTemplate{
		Name:        c.doc.Name,
		Description: c.doc.Description,
		Inputs:      make(map[string]*models.InputDefinition, len(c.doc.Inputs)),
	}

	capTypes := normativeCapabilityTypes()
	for name, t := range c.doc.CapabilityTypes {
		capTypes[name] = t
	}
	for name, t := range normativeNodeTypes() {
		c.nodeTypes[name] = t
	}
	for name, t := range c.doc.NodeTypes {
		c.nodeTypes[name] = t
	}
	for name, t := range normativeRelationshipTypes() {
		c.relTypes[name] = t
	}
	for name, t := range c.doc.RelationshipTypes {
		c.relTypes[name] = t
	}

	st.CapabilityTypes = c.hierarchy("capability_types", parentsOf(capTypes, func(t TypeDoc) string { return t.DerivedFrom }))
	st.NodeTypes = c.hierarchy("node_types", parentsOf(c.nodeTypes, func(t NodeTypeDoc) string { return t.DerivedFrom }))
	st.RelationshipTypes = c.hierarchy("relationship_types", parentsOf(c.relTypes, func(t RelationshipTypeDoc) string { return t.DerivedFrom }))

	for name, in := range c.doc.Inputs {
		st.Inputs[name] = &models.InputDefinition{
			Type:     in.Type,
			Default:  normalizeValue(in.Default),
			Required: in.Required == nil || *in.Required,
		}
	}
	for _, p := range c.doc.Plugins {
		st.PluginSpecifications = append(st.PluginSpecifications, &models.PluginSpecification{
			Name:    p.Name,
			Version: p.Version,
			Enabled: p.Enabled == nil || *p.Enabled,
		})
	}

	names := make([]string, 0, len(c.doc.NodeTemplates))
	for name := range c.doc.NodeTemplates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st.NodeTemplates = append(st.NodeTemplates, c.nodeTemplate(st, name, c.doc.NodeTemplates[name]))
	}
	// Requirements may point at any template, so they resolve once all exist.
	for i, name := range names {
		nt := st.NodeTemplates[i]
		for j, rd := range c.doc.NodeTemplates[name].Requirements {
			path := fmt.Sprintf("node_templates.%s.requirements.%d", name, j)
			if req := c.requirement(st, path, rd); req != nil {
				nt.Requirements = append(nt.Requirements, req)
			}
		}
	}
	return st
}

func parentsOf[T any](types map[string]T, parent func(T) string) map[string]string {
	out := make(map[string]string, len(types))
	for name, t := range types {
		out[name] = parent(t)
	}
	return out
}

// hierarchy adds types parent first. Unknown parents and cycles are reported.
func (c *converter) hierarchy(section string, parents map[string]string) *models.TypeHierarchy {
	h := models.NewTypeHierarchy()
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(parents))

	var add func(name string) bool
	add = func(name string) bool {
		switch state[name] {
		case done:
			return h.Get(name) != nil
		case visiting:
			c.fail(section+"."+name, "type %s derives from itself", name)
			return false
		}
		state[name] = visiting
		defer func() { state[name] = done }()

		parent := parents[name]
		if parent != "" {
			if _, ok := parents[parent]; !ok {
				c.fail(section+"."+name, "type %s derives from unknown type %s", name, parent)
				return false
			}
			if !add(parent) {
				return false
			}
		}
		if _, err := h.Add(name, parent); err != nil {
			c.fail(section+"."+name, "%v", err)
			return false
		}
		return true
	}

	names := make([]string, 0, len(parents))
	for name := range parents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(name)
	}
	return h
}

// typeChain returns the node type docs from the root down to t.
func (c *converter) typeChain(t *models.Type) []NodeTypeDoc {
	chain := t.Hierarchy()
	out := make([]NodeTypeDoc, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, c.nodeTypes[chain[i].Name])
	}
	return out
}

func (c *converter) nodeTemplate(st *models.ServiceTemplate, name string, nd NodeTemplateDoc) *models.NodeTemplate {
	path := "node_templates." + name
	nt := &models.NodeTemplate{
		Name:        name,
		Description: nd.Description,
		Attributes:  normalizeMap(nd.Attributes),
		Scaling:     models.DefaultScaling(),
	}
	nt.Type = st.NodeTypes.Get(nd.Type)
	if nt.Type == nil {
		c.fail(path+".type", "unknown node type %s", nd.Type)
		return nt
	}

	props := make(map[string]interface{})
	capDocs := make(map[string]CapabilityDoc)
	ifaceDocs := make(map[string]InterfaceDoc)
	for _, td := range c.typeChain(nt.Type) {
		mergeValues(props, td.Properties)
		mergeCapabilities(capDocs, td.Capabilities)
		mergeInterfaces(ifaceDocs, td.Interfaces)
	}
	mergeValues(props, nd.Properties)
	mergeCapabilities(capDocs, nd.Capabilities)
	mergeInterfaces(ifaceDocs, nd.Interfaces)

	nt.Properties = normalizeMap(props)
	nt.Capabilities = c.capabilities(st, path+".capabilities", capDocs)
	nt.Interfaces = c.interfaces(path+".interfaces", ifaceDocs)

	for i, cd := range nd.TargetConstraints {
		if constraint := c.constraint(fmt.Sprintf("%s.target_constraints.%d", path, i), cd); constraint != nil {
			nt.TargetConstraints = append(nt.TargetConstraints, constraint)
		}
	}

	if s := nd.Scaling; s != nil {
		if s.MinInstances != nil {
			nt.Scaling.MinInstances = *s.MinInstances
		}
		if s.DefaultInstances != nil {
			nt.Scaling.DefaultInstances = *s.DefaultInstances
		}
		if s.MaxInstances != nil {
			bound, err := parseBound(s.MaxInstances)
			if err != nil {
				c.fail(path+".scaling.max_instances", "%v", err)
			} else {
				nt.Scaling.MaxInstances = bound
			}
		}
	}
	return nt
}

func (c *converter) capabilities(st *models.ServiceTemplate, path string, docs map[string]CapabilityDoc) []*models.CapabilityTemplate {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*models.CapabilityTemplate, 0, len(names))
	for _, name := range names {
		cd := docs[name]
		capPath := path + "." + name
		ct := &models.CapabilityTemplate{
			Name:           name,
			MinOccurrences: 0,
			MaxOccurrences: models.UnboundedOccurrences,
			Properties:     normalizeMap(cd.Properties),
		}
		if cd.Type == "" {
			c.fail(capPath, "capability %s has no type", name)
		} else if ct.Type = st.CapabilityTypes.Get(cd.Type); ct.Type == nil {
			c.fail(capPath+".type", "unknown capability type %s", cd.Type)
		}
		if len(cd.Occurrences) == 2 {
			lo, errLo := parseBound(cd.Occurrences[0])
			hi, errHi := parseBound(cd.Occurrences[1])
			switch {
			case errLo != nil || lo == models.UnboundedOccurrences:
				c.fail(capPath+".occurrences", "invalid minimum occurrences %v", cd.Occurrences[0])
			case errHi != nil:
				c.fail(capPath+".occurrences", "%v", errHi)
			case hi != models.UnboundedOccurrences && hi < lo:
				c.fail(capPath+".occurrences", "maximum occurrences %d is below minimum %d", hi, lo)
			default:
				ct.MinOccurrences, ct.MaxOccurrences = lo, hi
			}
		}
		for _, typeName := range cd.ValidSourceTypes {
			t := st.NodeTypes.Get(typeName)
			if t == nil {
				c.fail(capPath+".valid_source_types", "unknown node type %s", typeName)
				continue
			}
			ct.ValidSourceNodeTypes = append(ct.ValidSourceNodeTypes, t)
		}
		out = append(out, ct)
	}
	return out
}

func (c *converter) interfaces(path string, docs map[string]InterfaceDoc) map[string]*models.InterfaceTemplate {
	if len(docs) == 0 {
		return nil
	}
	out := make(map[string]*models.InterfaceTemplate, len(docs))
	for name, id := range docs {
		it := &models.InterfaceTemplate{
			Name:       name,
			TypeName:   id.Type,
			Inputs:     normalizeMap(id.Inputs),
			Operations: make(map[string]*models.OperationTemplate, len(id.Operations)),
		}
		for opName, od := range id.Operations {
			it.Operations[opName] = c.operation(path+"."+name+".operations."+opName, opName, od)
		}
		out[name] = it
	}
	return out
}

func (c *converter) operation(path, name string, od OperationDoc) *models.OperationTemplate {
	ot := &models.OperationTemplate{
		Name:           name,
		Implementation: od.Implementation,
		Inputs:         normalizeMap(od.Inputs),
		RunsOn:         models.RunsOn(od.RunsOn),
	}
	if od.MaxAttempts != nil {
		if *od.MaxAttempts == 0 || *od.MaxAttempts < models.InfiniteRetries {
			c.fail(path+".max_attempts", "max_attempts must be positive or %d", models.InfiniteRetries)
		} else {
			ot.MaxAttempts = *od.MaxAttempts
		}
	}
	if od.RetryInterval != "" {
		d, err := time.ParseDuration(od.RetryInterval)
		if err != nil || d < 0 {
			c.fail(path+".retry_interval", "invalid retry interval %q", od.RetryInterval)
		} else {
			ot.RetryInterval = &d
		}
	}
	return ot
}

func (c *converter) requirement(st *models.ServiceTemplate, path string, rd RequirementDoc) *models.RequirementTemplate {
	req := &models.RequirementTemplate{
		Name:                 rd.Name,
		TargetCapabilityName: rd.Capability,
	}
	if rd.Node == "" && rd.NodeType == "" && rd.Capability == "" && rd.CapabilityType == "" {
		c.fail(path, "requirement %s names no node, node type, capability or capability type", rd.Name)
		return nil
	}
	if rd.Node != "" {
		if req.TargetNodeTemplate = st.NodeTemplate(rd.Node); req.TargetNodeTemplate == nil {
			c.fail(path+".node", "unknown node template %s", rd.Node)
		}
	}
	if rd.NodeType != "" {
		if req.TargetNodeType = st.NodeTypes.Get(rd.NodeType); req.TargetNodeType == nil {
			c.fail(path+".node_type", "unknown node type %s", rd.NodeType)
		}
	}
	if rd.CapabilityType != "" {
		if req.TargetCapabilityType = st.CapabilityTypes.Get(rd.CapabilityType); req.TargetCapabilityType == nil {
			c.fail(path+".capability_type", "unknown capability type %s", rd.CapabilityType)
		}
	}

	if f := rd.NodeFilter; f != nil {
		capabilities := make([]interface{}, len(f.Capabilities))
		for i, name := range f.Capabilities {
			capabilities[i] = name
		}
		properties := normalizeMap(f.Properties)
		if properties == nil {
			properties = map[string]interface{}{}
		}
		params := map[string]interface{}{
			"properties":   properties,
			"capabilities": capabilities,
		}
		if constraint := c.constraint(path+".node_filter", ConstraintDoc{Policy: policy.NodeFilterPolicy, Params: params}); constraint != nil {
			req.Constraints = append(req.Constraints, constraint)
		}
	}
	for i, cd := range rd.Constraints {
		if constraint := c.constraint(fmt.Sprintf("%s.constraints.%d", path, i), cd); constraint != nil {
			req.Constraints = append(req.Constraints, constraint)
		}
	}

	if r := rd.Relationship; r != nil {
		rt := &models.RelationshipTemplate{
			Name:       rd.Name,
			Properties: normalizeMap(r.Properties),
		}
		ifaceDocs := make(map[string]InterfaceDoc)
		if rt.Type = st.RelationshipTypes.Get(r.Type); rt.Type == nil {
			c.fail(path+".relationship.type", "unknown relationship type %s", r.Type)
		} else {
			chain := rt.Type.Hierarchy()
			for i := len(chain) - 1; i >= 0; i-- {
				mergeInterfaces(ifaceDocs, c.relTypes[chain[i].Name].Interfaces)
			}
		}
		mergeInterfaces(ifaceDocs, r.Interfaces)
		rt.Interfaces = c.interfaces(path+".relationship.interfaces", ifaceDocs)
		req.RelationshipTemplate = rt
	}
	return req
}

func (c *converter) constraint(path string, cd ConstraintDoc) models.NodeTemplateConstraint {
	if c.policies == nil {
		c.fail(path, "constraint %s needs a policy engine", cd.Policy)
		return nil
	}
	params := normalizeMap(cd.Params)
	if params == nil {
		params = map[string]interface{}{}
	}
	constraint, err := c.policies.Constraint(cd.Policy, params)
	if err != nil {
		c.fail(path+".policy", "%v", err)
		return nil
	}
	return constraint
}

// parseBound reads an occurrence or instance bound: a non-negative integer
// or UNBOUNDED.
func parseBound(v interface{}) (int, error) {
	switch b := normalizeValue(v).(type) {
	case int:
		if b >= 0 {
			return b, nil
		}
	case string:
		if strings.EqualFold(b, Unbounded) {
			return models.UnboundedOccurrences, nil
		}
	}
	return 0, fmt.Errorf("invalid bound %v: want a non-negative integer or %s", v, Unbounded)
}

func mergeValues(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

// mergeCapabilities overlays src field by field, so a template can set
// properties or occurrences without repeating the capability type.
func mergeCapabilities(dst, src map[string]CapabilityDoc) {
	for name, over := range src {
		base := dst[name]
		if over.Type != "" {
			base.Type = over.Type
		}
		if len(over.Occurrences) > 0 {
			base.Occurrences = over.Occurrences
		}
		if len(over.ValidSourceTypes) > 0 {
			base.ValidSourceTypes = over.ValidSourceTypes
		}
		if len(over.Properties) > 0 {
			props := make(map[string]interface{}, len(base.Properties)+len(over.Properties))
			mergeValues(props, base.Properties)
			mergeValues(props, over.Properties)
			base.Properties = props
		}
		dst[name] = base
	}
}

// mergeInterfaces overlays src interface by interface and operation by
// operation.
func mergeInterfaces(dst, src map[string]InterfaceDoc) {
	for name, over := range src {
		base := dst[name]
		if over.Type != "" {
			base.Type = over.Type
		}
		inputs := make(map[string]interface{}, len(base.Inputs)+len(over.Inputs))
		mergeValues(inputs, base.Inputs)
		mergeValues(inputs, over.Inputs)
		base.Inputs = inputs

		ops := make(map[string]OperationDoc, len(base.Operations)+len(over.Operations))
		for k, v := range base.Operations {
			ops[k] = v
		}
		for k, v := range over.Operations {
			ops[k] = v
		}
		base.Operations = ops
		dst[name] = base
	}
}

// normalizeValue turns integral floats into ints throughout v. Decoded JSON
// numbers are float64, while templates and plugins expect ints where a
// document wrote one.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int(val)
		}
		return val
	case int64:
		return int(val)
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}
