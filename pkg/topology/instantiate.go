package topology

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// Normative type names the instantiator treats specially.
const (
	ComputeNodeType          = "tosca.nodes.Compute"
	HostedOnRelationshipType = "tosca.relationships.HostedOn"
)

// MaxNodeNameLength is the RFC 1035 label limit node names are held to.
const MaxNodeNameLength = 63

const shortIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Options configures a Topology.
type Options struct {
	// Plugins resolves plugin specifications and operation plugin names.
	// Without it no plugin is checked.
	Plugins *plugins.Registry

	Logger zerolog.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Topology turns service templates into runtime services and reports what
// it could not resolve.
type Topology struct {
	plugins *plugins.Registry
	logger  zerolog.Logger
	clock   func() time.Time
	issues  *Issues
}

// New creates a Topology with an empty issue list.
func New(opts Options) *Topology {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Topology{
		plugins: opts.Plugins,
		logger:  opts.Logger.With().Str("component", "topology").Logger(),
		clock:   opts.Clock,
		issues:  &Issues{},
	}
}

// Issues returns the problems reported so far.
func (t *Topology) Issues() []Issue {
	return t.issues.List()
}

// Err returns the reported problems as one error, nil when there are none.
func (t *Topology) Err() error {
	return t.issues.Err()
}

// Build instantiates template, satisfies requirements, checks capability
// minimums and assigns hosts. Hard errors abort; everything else is
// reported as an issue and the service is still returned.
func (t *Topology) Build(template *models.ServiceTemplate, name string, inputs map[string]interface{}) (*models.Service, error) {
	service, err := t.Instantiate(template, name, inputs)
	if err != nil {
		return nil, err
	}
	satisfied, err := t.SatisfyRequirements(service)
	if err != nil {
		return nil, err
	}
	capacity := t.ValidateCapabilities(service)
	AssignHosts(service)

	t.logger.Info().
		Str("service", service.Name).
		Int("nodes", len(service.Nodes)).
		Bool("requirements_satisfied", satisfied).
		Bool("capabilities_satisfied", capacity).
		Int("issues", t.issues.Len()).
		Msg("Service instantiated")
	return service, nil
}

// Instantiate creates the service and its nodes. Relationships are created
// later by SatisfyRequirements.
func (t *Topology) Instantiate(template *models.ServiceTemplate, name string, inputs map[string]interface{}) (*models.Service, error) {
	if name == "" {
		name = template.Name
	}
	merged, err := mergeInputs(template.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	now := t.clock().UTC()
	service := &models.Service{
		ID:           uuid.New().String(),
		Name:         name,
		TemplateName: template.Name,
		Description:  template.Description,
		Inputs:       merged,
		Plugins:      make(map[string]*models.Plugin),
		Template:     template,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for _, spec := range template.PluginSpecifications {
		if !spec.Enabled || t.plugins == nil {
			continue
		}
		plugin, err := t.plugins.Resolve(spec)
		if err != nil {
			t.issues.Report(LevelExternal, "specified plugin not found: %s", spec.Name)
			continue
		}
		service.Plugins[plugin.Name] = plugin
	}

	names := make(map[string]bool)
	for _, nt := range template.NodeTemplates {
		scaling := t.scaling(nt)
		for i := 0; i < scaling.DefaultInstances; i++ {
			node, err := t.instantiateNode(service, nt, names)
			if err != nil {
				return nil, err
			}
			service.Nodes = append(service.Nodes, node)
		}
	}

	t.logger.Debug().Str("service", service.Name).Int("nodes", len(service.Nodes)).Msg("Nodes instantiated")
	return service, nil
}

func (t *Topology) scaling(nt *models.NodeTemplate) models.Scaling {
	s := nt.Scaling
	if !s.Valid() {
		t.issues.Report(LevelBetweenTypes,
			"invalid scaling parameters for node template %q: min=%d, max=%d, default=%d",
			nt.Name, s.MinInstances, s.MaxInstances, s.DefaultInstances)
	}
	if s.DefaultInstances < 0 {
		s.DefaultInstances = 0
	}
	return s
}

func (t *Topology) instantiateNode(service *models.Service, nt *models.NodeTemplate, names map[string]bool) (*models.Node, error) {
	name := nodeName(nt.Name, names)
	if len(name) > MaxNodeNameLength {
		t.issues.Report(LevelField, "node name %q is longer than %d characters", name, MaxNodeNameLength)
	}

	interfaces, err := t.configureInterfaces(nt.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("node template %s: %w", nt.Name, err)
	}

	node := &models.Node{
		ID:           uuid.New().String(),
		Name:         name,
		ServiceID:    service.ID,
		TemplateName: nt.Name,
		State:        models.NodeStateInitial,
		Properties:   maps.Clone(nt.Properties),
		Attributes:   maps.Clone(nt.Attributes),
		Interfaces:   interfaces,
		Capabilities: make(map[string]*models.Capability, len(nt.Capabilities)),
		Template:     nt,
	}
	if nt.Type != nil {
		node.TypeName = nt.Type.Name
		node.TypeHierarchy = typeNames(nt.Type)
	}
	for _, ct := range nt.Capabilities {
		capability := &models.Capability{
			Name:           ct.Name,
			MinOccurrences: ct.MinOccurrences,
			MaxOccurrences: ct.MaxOccurrences,
			Properties:     maps.Clone(ct.Properties),
		}
		if ct.Type != nil {
			capability.TypeName = ct.Type.Name
		}
		node.Capabilities[ct.Name] = capability
	}
	return node, nil
}

// nodeName returns "<template>_<short id>", unique among names.
func nodeName(template string, names map[string]bool) string {
	for {
		name := template + "_" + shortID()
		if !names[name] {
			names[name] = true
			return name
		}
	}
}

// shortID is six base-36 characters drawn from a random UUID.
func shortID() string {
	id := uuid.New()
	var b strings.Builder
	for i := 0; i < 6; i++ {
		b.WriteByte(shortIDAlphabet[int(id[i])%len(shortIDAlphabet)])
	}
	return b.String()
}

func typeNames(t *models.Type) []string {
	var names []string
	for _, cur := range t.Hierarchy() {
		names = append(names, cur.Name)
	}
	return names
}

// mergeInputs rejects undeclared and missing required inputs, then fills
// declared defaults.
func mergeInputs(declared map[string]*models.InputDefinition, supplied map[string]interface{}) (map[string]interface{}, error) {
	var undeclared []string
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return nil, models.NewValidationError(
			fmt.Sprintf("undeclared inputs: %s", strings.Join(undeclared, ", ")), nil)
	}

	merged := make(map[string]interface{}, len(declared))
	var missing []string
	for _, name := range slices.Sorted(maps.Keys(declared)) {
		def := declared[name]
		if v, ok := supplied[name]; ok {
			merged[name] = v
			continue
		}
		if def.Default != nil {
			merged[name] = def.Default
			continue
		}
		if def.Required {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, models.NewValidationError(
			fmt.Sprintf("required inputs not supplied: %s", strings.Join(missing, ", ")), nil)
	}
	return merged, nil
}

// AssignHosts sets every node's HostID: a compute node hosts itself, and
// any other node takes the host of the node it is hosted on. Nodes with no
// path to a compute node keep an empty HostID.
func AssignHosts(service *models.Service) {
	byID := make(map[string]*models.Node, len(service.Nodes))
	for _, n := range service.Nodes {
		byID[n.ID] = n
	}
	for _, n := range service.Nodes {
		n.HostID = ""
		seen := make(map[string]bool)
		for cur := n; cur != nil && !seen[cur.ID]; {
			seen[cur.ID] = true
			if cur.IsOfType(ComputeNodeType) {
				n.HostID = cur.ID
				break
			}
			var next *models.Node
			for _, rel := range cur.Outbound {
				if rel.IsOfType(HostedOnRelationshipType) {
					next = byID[rel.TargetNodeID]
					break
				}
			}
			cur = next
		}
	}
}
