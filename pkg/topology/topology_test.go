package topology

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/plugins"
)

// catalog holds a small normative type system for building templates.
type catalog struct {
	nodes, capabilities, relationships *models.TypeHierarchy
}

func newCatalog(t *testing.T) *catalog {
	t.Helper()
	c := &catalog{
		nodes:         models.NewTypeHierarchy(),
		capabilities:  models.NewTypeHierarchy(),
		relationships: models.NewTypeHierarchy(),
	}
	add := func(h *models.TypeHierarchy, pairs ...string) {
		for i := 0; i < len(pairs); i += 2 {
			if _, err := h.Add(pairs[i], pairs[i+1]); err != nil {
				t.Fatalf("failed to add type %s: %v", pairs[i], err)
			}
		}
	}
	add(c.nodes,
		"tosca.nodes.Root", "",
		"tosca.nodes.Compute", "tosca.nodes.Root",
		"tosca.nodes.SoftwareComponent", "tosca.nodes.Root",
		"tosca.nodes.WebServer", "tosca.nodes.SoftwareComponent",
		"tosca.nodes.DBMS", "tosca.nodes.SoftwareComponent",
		"tosca.nodes.Database", "tosca.nodes.Root",
	)
	add(c.capabilities,
		"tosca.capabilities.Root", "",
		"tosca.capabilities.Node", "tosca.capabilities.Root",
		"tosca.capabilities.Container", "tosca.capabilities.Root",
		"tosca.capabilities.Endpoint", "tosca.capabilities.Root",
		"tosca.capabilities.Endpoint.Database", "tosca.capabilities.Endpoint",
	)
	add(c.relationships,
		"tosca.relationships.Root", "",
		"tosca.relationships.DependsOn", "tosca.relationships.Root",
		"tosca.relationships.HostedOn", "tosca.relationships.Root",
		"tosca.relationships.ConnectsTo", "tosca.relationships.Root",
	)
	return c
}

func (c *catalog) node(name, typeName string) *models.NodeTemplate {
	return &models.NodeTemplate{
		Name:    name,
		Type:    c.nodes.Get(typeName),
		Scaling: models.DefaultScaling(),
	}
}

func (c *catalog) capability(name, typeName string, maxOccurrences int) *models.CapabilityTemplate {
	return &models.CapabilityTemplate{
		Name:           name,
		Type:           c.capabilities.Get(typeName),
		MaxOccurrences: maxOccurrences,
	}
}

func (c *catalog) hostedOn() *models.RelationshipTemplate {
	return &models.RelationshipTemplate{Type: c.relationships.Get("tosca.relationships.HostedOn")}
}

func (c *catalog) template(name string, nodes ...*models.NodeTemplate) *models.ServiceTemplate {
	return &models.ServiceTemplate{
		Name:              name,
		NodeTypes:         c.nodes,
		CapabilityTypes:   c.capabilities,
		RelationshipTypes: c.relationships,
		NodeTemplates:     nodes,
	}
}

// helloWorld is a web server hosted on a compute node.
func helloWorld(c *catalog) *models.ServiceTemplate {
	host := c.node("host", "tosca.nodes.Compute")
	host.Capabilities = []*models.CapabilityTemplate{
		c.capability("host", "tosca.capabilities.Container", models.UnboundedOccurrences),
	}

	web := c.node("web_server", "tosca.nodes.WebServer")
	web.Properties = map[string]interface{}{"port": 8080}
	web.Interfaces = map[string]*models.InterfaceTemplate{
		"Standard": {
			Name: "Standard",
			Operations: map[string]*models.OperationTemplate{
				"create":    {Implementation: "scripts/create.sh"},
				"configure": {Implementation: "scripts/configure.star"},
				"start":     {Implementation: "shell > scripts/start.sh"},
			},
		},
	}
	web.Requirements = []*models.RequirementTemplate{{
		Name:                 "host",
		TargetNodeTemplate:   host,
		TargetCapabilityType: c.capabilities.Get("tosca.capabilities.Container"),
		RelationshipTemplate: c.hostedOn(),
	}}
	return c.template("hello-world", host, web)
}

func newTestTopology() *Topology {
	reg := plugins.NewRegistry().
		MustRegister(plugins.NewFuncPlugin(plugins.ShellPlugin, "1.0.0", nil)).
		MustRegister(plugins.NewFuncPlugin("test", "1.0.0", nil)).
		MustRegister(plugins.NewFuncPlugin("test", "1.2.0", nil))
	return New(Options{Plugins: reg})
}

func mustBuild(t *testing.T, topo *Topology, template *models.ServiceTemplate) *models.Service {
	t.Helper()
	service, err := topo.Build(template, "", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return service
}

func hasIssue(topo *Topology, substr string) bool {
	for _, issue := range topo.Issues() {
		if strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}

var nodeNamePattern = regexp.MustCompile(`^web_server_[0-9a-z]{6}$`)

func TestBuild_HelloWorld(t *testing.T) {
	c := newCatalog(t)
	topo := newTestTopology()
	service := mustBuild(t, topo, helloWorld(c))

	if issues := topo.Issues(); len(issues) != 0 {
		t.Fatalf("Expected no issues, got %v", issues)
	}
	if service.Name != "hello-world" || len(service.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes in hello-world, got %d in %s", len(service.Nodes), service.Name)
	}

	host := service.NodesOfTemplate("host")[0]
	web := service.NodesOfTemplate("web_server")[0]
	if !nodeNamePattern.MatchString(web.Name) {
		t.Errorf("Unexpected node name %q", web.Name)
	}
	if web.State != models.NodeStateInitial {
		t.Errorf("Expected initial state, got %s", web.State)
	}
	if len(web.Outbound) != 1 {
		t.Fatalf("Expected 1 outbound relationship, got %d", len(web.Outbound))
	}
	rel := web.Outbound[0]
	if rel.TargetNodeID != host.ID || rel.TargetCapabilityName != "host" || rel.RequirementName != "host" {
		t.Errorf("Unexpected relationship %+v", rel)
	}
	if !rel.IsOfType(HostedOnRelationshipType) {
		t.Errorf("Expected a HostedOn relationship, got %v", rel.TypeHierarchy)
	}
	if len(host.Inbound) != 1 || host.Inbound[0] != rel {
		t.Error("Expected the relationship linked into the host's inbound list")
	}
	if host.Capabilities["host"].Occurrences != 1 {
		t.Errorf("Expected one occurrence consumed, got %d", host.Capabilities["host"].Occurrences)
	}
	if host.HostID != host.ID || web.HostID != host.ID {
		t.Errorf("Expected both nodes hosted on %s, got %s and %s", host.ID, host.HostID, web.HostID)
	}

	create := web.Operation("Standard", "create")
	if create.Plugin != "" || create.Function != "scripts/create.sh" {
		t.Errorf("Expected a bare implementation, got %q > %q", create.Plugin, create.Function)
	}
	start := web.Operation("Standard", "start")
	if start.Plugin != plugins.ShellPlugin || start.Function != "scripts/start.sh" {
		t.Errorf("Expected shell > scripts/start.sh, got %q > %q", start.Plugin, start.Function)
	}
}

func TestSatisfyRequirements_CapacityAcrossInstances(t *testing.T) {
	c := newCatalog(t)
	host := c.node("host", "tosca.nodes.Compute")
	host.Scaling = models.Scaling{MinInstances: 1, MaxInstances: 5, DefaultInstances: 2}
	host.Capabilities = []*models.CapabilityTemplate{c.capability("host", "tosca.capabilities.Container", 1)}

	app := c.node("app", "tosca.nodes.WebServer")
	app.Scaling = models.Scaling{MinInstances: 0, MaxInstances: 5, DefaultInstances: 3}
	app.Requirements = []*models.RequirementTemplate{{
		Name:                 "host",
		TargetNodeType:       c.nodes.Get("tosca.nodes.Compute"),
		TargetCapabilityName: "host",
		RelationshipTemplate: c.hostedOn(),
	}}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("capacity", host, app), "capacity", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	satisfied, err := topo.SatisfyRequirements(service)
	if err != nil {
		t.Fatalf("SatisfyRequirements failed: %v", err)
	}
	if satisfied {
		t.Fatal("Expected the third app to find no capacity")
	}
	if !hasIssue(topo, "do not have enough capacity") {
		t.Errorf("Expected a capacity issue, got %v", topo.Issues())
	}

	targets := make(map[string]int)
	for _, n := range service.NodesOfTemplate("app") {
		for _, rel := range n.Outbound {
			targets[rel.TargetNodeID]++
		}
	}
	if len(targets) != 2 {
		t.Fatalf("Expected the apps spread over 2 hosts, got %v", targets)
	}
	for _, h := range service.NodesOfTemplate("host") {
		if got := h.Capabilities["host"].Occurrences; got != 1 {
			t.Errorf("Expected host %s at capacity 1, got %d", h.Name, got)
		}
	}
}

func TestSatisfyRequirements_ByCapabilityType(t *testing.T) {
	c := newCatalog(t)
	db := c.node("db", "tosca.nodes.Database")
	db.Capabilities = []*models.CapabilityTemplate{
		c.capability("feature", "tosca.capabilities.Node", models.UnboundedOccurrences),
		c.capability("database_endpoint", "tosca.capabilities.Endpoint.Database", models.UnboundedOccurrences),
	}
	app := c.node("app", "tosca.nodes.WebServer")
	app.Requirements = []*models.RequirementTemplate{{
		Name:                 "database",
		TargetCapabilityType: c.capabilities.Get("tosca.capabilities.Endpoint"),
	}}

	topo := newTestTopology()
	service := mustBuild(t, topo, c.template("by-capability", app, db))
	rel := service.NodesOfTemplate("app")[0].Outbound
	if len(rel) != 1 || rel[0].TargetCapabilityName != "database_endpoint" {
		t.Fatalf("Expected a relationship to database_endpoint, got %+v", rel)
	}
	if rel[0].TypeName != "" {
		t.Errorf("Expected an untyped relationship without a template, got %s", rel[0].TypeName)
	}
}

func TestSatisfyRequirements_ValidSourceTypes(t *testing.T) {
	c := newCatalog(t)
	db := c.node("db", "tosca.nodes.Database")
	endpoint := c.capability("endpoint", "tosca.capabilities.Endpoint.Database", models.UnboundedOccurrences)
	endpoint.ValidSourceNodeTypes = []*models.Type{c.nodes.Get("tosca.nodes.WebServer")}
	db.Capabilities = []*models.CapabilityTemplate{endpoint}

	web := c.node("web", "tosca.nodes.WebServer")
	dbms := c.node("dbms", "tosca.nodes.DBMS")
	req := &models.RequirementTemplate{
		Name:                 "database",
		TargetNodeTemplate:   db,
		TargetCapabilityType: c.capabilities.Get("tosca.capabilities.Endpoint.Database"),
	}
	web.Requirements = []*models.RequirementTemplate{req}
	dbms.Requirements = []*models.RequirementTemplate{req}

	topo := newTestTopology()
	service := mustBuild(t, topo, c.template("valid-source", db, web, dbms))
	if len(service.NodesOfTemplate("web")[0].Outbound) != 1 {
		t.Error("Expected the web server to be a valid source")
	}
	if len(service.NodesOfTemplate("dbms")[0].Outbound) != 0 {
		t.Error("Expected the DBMS to be rejected as a source")
	}
	if !hasIssue(topo, `requirement "database" of node "dbms_`) {
		t.Errorf("Expected an issue for the DBMS requirement, got %v", topo.Issues())
	}
}

func TestSatisfyRequirements_Constraints(t *testing.T) {
	c := newCatalog(t)
	small := c.node("small_host", "tosca.nodes.Compute")
	small.Properties = map[string]interface{}{"mem_size": 1}
	large := c.node("large_host", "tosca.nodes.Compute")
	large.Properties = map[string]interface{}{"mem_size": 8}

	bigEnough := models.ConstraintFunc(func(_, target *models.NodeTemplate) bool {
		size, _ := target.Properties["mem_size"].(int)
		return size >= 4
	})
	app := c.node("app", "tosca.nodes.WebServer")
	app.Requirements = []*models.RequirementTemplate{{
		Name:           "host",
		TargetNodeType: c.nodes.Get("tosca.nodes.Compute"),
		Constraints:    []models.NodeTemplateConstraint{bigEnough},
	}}

	topo := newTestTopology()
	service := mustBuild(t, topo, c.template("constraints", small, large, app))
	rels := service.NodesOfTemplate("app")[0].Outbound
	if len(rels) != 1 || rels[0].TargetNode.TemplateName != "large_host" {
		t.Fatalf("Expected the constraint to pick large_host, got %+v", rels)
	}
}

func TestSatisfyRequirements_TargetConstraintRejectsExplicitTarget(t *testing.T) {
	c := newCatalog(t)
	host := c.node("host", "tosca.nodes.Compute")
	host.TargetConstraints = []models.NodeTemplateConstraint{
		models.ConstraintFunc(func(source, _ *models.NodeTemplate) bool { return source.Name != "app" }),
	}
	app := c.node("app", "tosca.nodes.WebServer")
	app.Requirements = []*models.RequirementTemplate{{Name: "host", TargetNodeTemplate: host}}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("rejected", host, app), "rejected", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	satisfied, err := topo.SatisfyRequirements(service)
	if err != nil || satisfied {
		t.Fatalf("Expected an unsatisfied requirement, got %v, %v", satisfied, err)
	}
	if !hasIssue(topo, "does not match constraints") || !hasIssue(topo, "has no target node template") {
		t.Errorf("Expected constraint and target issues, got %v", topo.Issues())
	}
}

func TestSatisfyRequirements_NoInstances(t *testing.T) {
	c := newCatalog(t)
	host := c.node("host", "tosca.nodes.Compute")
	host.Scaling = models.Scaling{MinInstances: 0, MaxInstances: 3, DefaultInstances: 0}
	app := c.node("app", "tosca.nodes.WebServer")
	app.Requirements = []*models.RequirementTemplate{{Name: "host", TargetNodeTemplate: host}}

	topo := newTestTopology()
	service := mustBuild(t, topo, c.template("empty", host, app))
	if len(service.Nodes) != 1 {
		t.Fatalf("Expected only the app node, got %d nodes", len(service.Nodes))
	}
	if !hasIssue(topo, "has no instantiated nodes") {
		t.Errorf("Expected a no-instances issue, got %v", topo.Issues())
	}
}

func TestSatisfyRequirements_ByTypeWithoutInstances(t *testing.T) {
	c := newCatalog(t)
	host := c.node("host", "tosca.nodes.Compute")
	host.Scaling = models.Scaling{MinInstances: 0, MaxInstances: 3, DefaultInstances: 0}
	app := c.node("app", "tosca.nodes.WebServer")
	app.Requirements = []*models.RequirementTemplate{{
		Name:           "host",
		TargetNodeType: c.nodes.Get("tosca.nodes.Compute"),
	}}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("empty", host, app), "empty", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	satisfied, err := topo.SatisfyRequirements(service)
	if err != nil || satisfied {
		t.Fatalf("Expected an unsatisfied requirement, got %v, %v", satisfied, err)
	}
	if !hasIssue(topo, `targets node template "host" but it has no instantiated nodes`) {
		t.Errorf("Expected a no-instances issue for host, got %v", topo.Issues())
	}
	if hasIssue(topo, "has no target node template") {
		t.Errorf("Expected the uninstantiated template to be found as target, got %v", topo.Issues())
	}
}

func TestSatisfyRequirements_Idempotent(t *testing.T) {
	c := newCatalog(t)
	topo := newTestTopology()
	service := mustBuild(t, topo, helloWorld(c))

	satisfied, err := topo.SatisfyRequirements(service)
	if err != nil || !satisfied {
		t.Fatalf("Expected a repeated pass to succeed, got %v, %v", satisfied, err)
	}
	web := service.NodesOfTemplate("web_server")[0]
	host := service.NodesOfTemplate("host")[0]
	if len(web.Outbound) != 1 || host.Capabilities["host"].Occurrences != 1 {
		t.Errorf("Expected no new relationships, got %d and %d occurrences",
			len(web.Outbound), host.Capabilities["host"].Occurrences)
	}
	if len(host.Inbound) != 1 {
		t.Errorf("Expected relinking to keep one inbound relationship, got %d", len(host.Inbound))
	}
}

func TestValidateCapabilities(t *testing.T) {
	c := newCatalog(t)
	db := c.node("db", "tosca.nodes.Database")
	endpoint := c.capability("endpoint", "tosca.capabilities.Endpoint.Database", models.UnboundedOccurrences)
	endpoint.MinOccurrences = 1
	db.Capabilities = []*models.CapabilityTemplate{endpoint}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("lonely", db), "lonely", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if topo.ValidateCapabilities(service) {
		t.Fatal("Expected the unused endpoint to fail its minimum")
	}
	if !hasIssue(topo, "requires at least 1 relationships but has 0") {
		t.Errorf("Unexpected issues %v", topo.Issues())
	}
}

func TestInstantiate_Scaling(t *testing.T) {
	c := newCatalog(t)
	web := c.node("web", "tosca.nodes.WebServer")
	web.Scaling = models.Scaling{MinInstances: 3, MaxInstances: 5, DefaultInstances: 4}
	bad := c.node("bad", "tosca.nodes.WebServer")
	bad.Scaling = models.Scaling{MinInstances: 2, MaxInstances: 1, DefaultInstances: 1}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("scaled", web, bad), "scaled", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if got := len(service.NodesOfTemplate("web")); got != 4 {
		t.Errorf("Expected 4 web nodes, got %d", got)
	}
	if !hasIssue(topo, `invalid scaling parameters for node template "bad"`) {
		t.Errorf("Expected a scaling issue, got %v", topo.Issues())
	}

	names := make(map[string]bool)
	for _, n := range service.Nodes {
		if names[n.Name] {
			t.Errorf("Duplicate node name %s", n.Name)
		}
		names[n.Name] = true
	}
}

func TestInstantiate_NodeNameLength(t *testing.T) {
	c := newCatalog(t)
	long := c.node(strings.Repeat("n", MaxNodeNameLength), "tosca.nodes.Compute")

	topo := newTestTopology()
	if _, err := topo.Instantiate(c.template("long", long), "long", nil); err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	issues := topo.Issues()
	if len(issues) != 1 || issues[0].Level != LevelField {
		t.Errorf("Expected one field issue for the long name, got %v", issues)
	}
}

func TestInstantiate_Inputs(t *testing.T) {
	c := newCatalog(t)
	template := c.template("inputs", c.node("host", "tosca.nodes.Compute"))
	template.Inputs = map[string]*models.InputDefinition{
		"port":   {Type: "integer", Default: 8080},
		"region": {Type: "string", Required: true},
		"note":   {Type: "string"},
	}

	topo := newTestTopology()
	if _, err := topo.Instantiate(template, "x", map[string]interface{}{"region": "eu", "colour": "red"}); !models.IsValidation(err) {
		t.Errorf("Expected a validation error for an undeclared input, got %v", err)
	}
	if _, err := topo.Instantiate(template, "x", nil); err == nil || !strings.Contains(err.Error(), "region") {
		t.Errorf("Expected the missing required input named, got %v", err)
	}

	service, err := topo.Instantiate(template, "x", map[string]interface{}{"region": "eu"})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if service.Inputs["port"] != 8080 || service.Inputs["region"] != "eu" {
		t.Errorf("Unexpected merged inputs %v", service.Inputs)
	}
	if _, ok := service.Inputs["note"]; ok {
		t.Error("Expected an optional input without default to stay unset")
	}
}

func TestInstantiate_PluginSpecifications(t *testing.T) {
	c := newCatalog(t)
	template := c.template("plugins", c.node("host", "tosca.nodes.Compute"))
	template.PluginSpecifications = []*models.PluginSpecification{
		{Name: "test", Version: "1.1.0", Enabled: true},
		{Name: "missing", Enabled: true},
		{Name: "disabled", Enabled: false},
	}

	topo := newTestTopology()
	service, err := topo.Instantiate(template, "plugins", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if p := service.Plugins["test"]; p == nil || p.Version != "1.2.0" {
		t.Errorf("Expected test@1.2.0, got %+v", p)
	}
	issues := topo.Issues()
	if len(issues) != 1 || issues[0].Level != LevelExternal || !strings.Contains(issues[0].Message, "missing") {
		t.Errorf("Expected one issue for the missing plugin, got %v", issues)
	}
}

func TestConfigureOperation(t *testing.T) {
	c := newCatalog(t)
	interval := 5 * time.Second
	node := c.node("host", "tosca.nodes.Compute")
	node.Interfaces = map[string]*models.InterfaceTemplate{
		"Standard": {
			Inputs: map[string]interface{}{"user": "root", "port": 22},
			Operations: map[string]*models.OperationTemplate{
				"create": {
					Implementation: "test > provision",
					Inputs:         map[string]interface{}{"port": 2222, "ctx": "x"},
					MaxAttempts:    4,
					RetryInterval:  &interval,
				},
				"delete": {MaxAttempts: 0},
				"stop":   {MaxAttempts: -5},
			},
		},
	}

	topo := newTestTopology()
	service, err := topo.Instantiate(c.template("ops", node), "ops", nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	n := service.Nodes[0]
	create := n.Operation("Standard", "create")
	if create.Plugin != "test" || create.Function != "provision" {
		t.Errorf("Unexpected binding %q > %q", create.Plugin, create.Function)
	}
	if create.Arguments["user"] != "root" || create.Arguments["port"] != 2222 {
		t.Errorf("Expected operation inputs to override interface inputs, got %v", create.Arguments)
	}
	if create.MaxAttempts != 4 || create.RetryInterval == nil || *create.RetryInterval != interval {
		t.Errorf("Expected retry overrides carried over, got %d %v", create.MaxAttempts, create.RetryInterval)
	}
	if del := n.Operation("Standard", "delete"); del == nil || del.Function != "" {
		t.Errorf("Expected an unimplemented delete operation, got %+v", del)
	}

	if !hasIssue(topo, `using reserved arguments in operation "create": ctx`) {
		t.Errorf("Expected a reserved-argument issue, got %v", topo.Issues())
	}
	if !hasIssue(topo, `operation "stop"`) {
		t.Errorf("Expected an invalid max attempts issue, got %v", topo.Issues())
	}
}

func TestConfigureOperation_UnknownPlugin(t *testing.T) {
	c := newCatalog(t)
	node := c.node("host", "tosca.nodes.Compute")
	node.Interfaces = map[string]*models.InterfaceTemplate{
		"Standard": {Operations: map[string]*models.OperationTemplate{
			"create": {Implementation: "nope > provision"},
		}},
	}

	topo := newTestTopology()
	_, err := topo.Instantiate(c.template("unknown", node), "unknown", nil)
	if !models.IsValidation(err) {
		t.Fatalf("Expected a validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), `"nope"`) {
		t.Errorf("Expected the plugin named in %v", err)
	}
}

func TestAssignHosts(t *testing.T) {
	c := newCatalog(t)
	template := helloWorld(c)
	db := c.node("db", "tosca.nodes.Database")
	db.Requirements = []*models.RequirementTemplate{{
		Name:                 "host",
		TargetNodeTemplate:   template.NodeTemplate("web_server"),
		RelationshipTemplate: c.hostedOn(),
	}}
	orphan := c.node("orphan", "tosca.nodes.SoftwareComponent")
	template.NodeTemplates = append(template.NodeTemplates, db, orphan)

	topo := newTestTopology()
	service := mustBuild(t, topo, template)
	host := service.NodesOfTemplate("host")[0]
	if got := service.NodesOfTemplate("db")[0].HostID; got != host.ID {
		t.Errorf("Expected the database hosted on %s through the web server, got %q", host.ID, got)
	}
	if got := service.NodesOfTemplate("orphan")[0].HostID; got != "" {
		t.Errorf("Expected no host for an unhosted node, got %q", got)
	}
}

func TestIssuesErr(t *testing.T) {
	var issues Issues
	if issues.Err() != nil {
		t.Fatal("Expected no error without issues")
	}
	issues.Report(LevelBetweenInstances, "requirement %q unsatisfied", "host")
	err := issues.Err()
	if err == nil || !strings.Contains(err.Error(), `[between_instances] requirement "host" unsatisfied`) {
		t.Errorf("Unexpected error %v", err)
	}
}
