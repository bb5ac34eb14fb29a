package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/stores"
)

const (
	workerEnv = "TOSCAFLOW_TEST_WORKER"

	helloWorld = "../../../examples/hello-world/service-template.yaml"
	nodeCellar = "../../../examples/node-cellar/service-template.yaml"
)

// TestMain lets the test binary serve as the process-executor worker: the
// executor re-executes it with the "worker" argument.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := Execute(context.Background(), "test", "none", "unknown"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// toscaflow runs the CLI against db and returns its standard output.
func toscaflow(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "unknown")
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(append([]string{"--db", db, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := toscaflow(t, db, args...)
	if err != nil {
		t.Fatalf("toscaflow %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func openStore(t *testing.T, db string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: db, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func serviceNamed(t *testing.T, db, name string) *models.Service {
	t.Helper()
	service, err := openStore(t, db).GetServiceByName(context.Background(), name)
	if err != nil {
		t.Fatalf("Failed to load service %s: %v", name, err)
	}
	return service
}

func TestValidate_Examples(t *testing.T) {
	db := filepath.Join(t.TempDir(), "toscaflow.db")

	out := mustRun(t, db, "validate", helloWorld)
	if !strings.Contains(out, "is valid: 2 node templates, 2 nodes") {
		t.Errorf("Unexpected hello-world report: %s", out)
	}
	out = mustRun(t, db, "validate", nodeCellar)
	if !strings.Contains(out, "is valid: 15 node templates, 15 nodes") {
		t.Errorf("Unexpected node-cellar report: %s", out)
	}
}

func TestValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "toscaflow.db")

	broken := filepath.Join(dir, "broken.yaml")
	content := `name: broken
node_templates:
  app:
    type: tosca.nodes.Nope
`
	if err := os.WriteFile(broken, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := toscaflow(t, db, "validate", broken)
	if !errors.Is(err, errTemplateInvalid) {
		t.Fatalf("Expected an invalid template, got %v", err)
	}
	if !strings.Contains(out, "is invalid") || !strings.Contains(out, "node_templates.app.type") {
		t.Errorf("Expected the failing path in the report, got: %s", out)
	}

	unsatisfied := filepath.Join(dir, "unsatisfied.yaml")
	content = `name: unsatisfied
node_templates:
  app:
    type: tosca.nodes.SoftwareComponent
    requirements:
      - name: host
        capability_type: tosca.capabilities.Container
        relationship: tosca.relationships.HostedOn
`
	if err := os.WriteFile(unsatisfied, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = toscaflow(t, db, "--json", "validate", unsatisfied)
	if !errors.Is(err, errTemplateInvalid) {
		t.Fatalf("Expected an invalid template, got %v", err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, "has no target node template") {
		t.Errorf("Expected the unsatisfied requirement in the JSON report, got: %s", out)
	}
}

func TestHelloWorld_InstallUninstall(t *testing.T) {
	db := filepath.Join(t.TempDir(), "toscaflow.db")
	ctx := context.Background()

	out := mustRun(t, db, "services", "create", helloWorld, "--name", "hello", "--input", "port=9090")
	if !strings.Contains(out, "Service hello created with 2 nodes") {
		t.Fatalf("Unexpected create output: %s", out)
	}
	if port := serviceNamed(t, db, "hello").Inputs["port"]; fmt.Sprint(port) != "9090" {
		t.Errorf("Expected input port 9090, got %v", port)
	}

	out = mustRun(t, db, "install", "hello", "--executor", "thread")
	if !strings.Contains(out, "'install' on service hello: terminated") {
		t.Fatalf("Unexpected install output: %s", out)
	}

	service := serviceNamed(t, db, "hello")
	webServer := service.NodesOfTemplate("web_server")
	if len(webServer) != 1 || webServer[0].State != models.NodeStateStarted {
		t.Fatalf("Expected web_server to be started, got %+v", webServer)
	}

	store := openStore(t, db)
	executions, err := store.ListExecutions(ctx, models.ExecutionFilter{ServiceID: service.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 1 || executions[0].Status != models.ExecutionStatusTerminated {
		t.Fatalf("Expected one terminated execution, got %+v", executions)
	}
	logs, err := store.ListLogs(ctx, models.LogFilter{ExecutionID: executions[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Fatal("Expected operation logs for the install execution")
	}
	var greeted bool
	for _, l := range logs {
		if strings.Contains(l.Message, "Hello, World! Configuring web_server_") {
			greeted = true
		}
	}
	if !greeted {
		t.Error("Expected the starlark configure operation to log its greeting")
	}

	out = mustRun(t, db, "executions", "show", executions[0].ID)
	if !strings.Contains(out, "Status:    terminated") || !strings.Contains(out, "success") {
		t.Errorf("Unexpected show output: %s", out)
	}
	out = mustRun(t, db, "executions", "graph", executions[0].ID)
	if !strings.HasPrefix(out, "digraph ExecutionGraph {") {
		t.Errorf("Expected DOT output, got: %s", out)
	}
	if _, err := toscaflow(t, db, "executions", "cancel", executions[0].ID); err == nil {
		t.Error("Expected cancelling an ended execution to fail")
	}

	out = mustRun(t, db, "uninstall", "hello")
	if !strings.Contains(out, "'uninstall' on service hello: terminated") {
		t.Fatalf("Unexpected uninstall output: %s", out)
	}
	webServer = serviceNamed(t, db, "hello").NodesOfTemplate("web_server")
	if webServer[0].State != models.NodeStateDeleted {
		t.Errorf("Expected web_server to be deleted, got %s", webServer[0].State)
	}

	out = mustRun(t, db, "executions", "list", "--service", "hello")
	if strings.Count(out, "terminated") != 2 {
		t.Errorf("Expected two terminated executions, got: %s", out)
	}

	mustRun(t, db, "services", "delete", "hello")
	services, err := store.ListServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 0 {
		t.Errorf("Expected no services, got %d", len(services))
	}
	executions, err = store.ListExecutions(ctx, models.ExecutionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 0 {
		t.Errorf("Expected no executions after delete, got %d", len(executions))
	}
	logs, err = store.ListLogs(ctx, models.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("Expected no logs after delete, got %d", len(logs))
	}
}

func TestHelloWorld_ProcessExecutor(t *testing.T) {
	db := filepath.Join(t.TempDir(), "toscaflow.db")
	t.Setenv(workerEnv, "1")

	mustRun(t, db, "services", "create", helloWorld, "--name", "hello")
	out := mustRun(t, db, "install", "hello", "--executor", "process", "--workers", "2")
	if !strings.Contains(out, "'install' on service hello: terminated") {
		t.Fatalf("Unexpected install output: %s", out)
	}
	webServer := serviceNamed(t, db, "hello").NodesOfTemplate("web_server")
	if webServer[0].State != models.NodeStateStarted {
		t.Errorf("Expected web_server to be started, got %s", webServer[0].State)
	}
}

func TestExecuteOperation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "toscaflow.db")

	mustRun(t, db, "services", "create", helloWorld, "--name", "hello")
	out := mustRun(t, db, "execute-operation", "hello", "Standard", "configure",
		"--node-template", "web_server", "--arg", "greeting=Howdy")
	if !strings.Contains(out, "'execute_operation' on service hello: terminated") {
		t.Fatalf("Unexpected output: %s", out)
	}

	if _, err := toscaflow(t, db, "execute-operation", "hello", "Standard", "start", "--node", "nope"); !models.IsNotFound(err) {
		t.Errorf("Expected an unknown node to be not found, got %v", err)
	}
	if _, err := toscaflow(t, db, "execute", "hello", "heal"); !models.IsNotFound(err) {
		t.Errorf("Expected an unknown workflow to be not found, got %v", err)
	}
}

func TestNodeCellar_DryRun(t *testing.T) {
	db := filepath.Join(t.TempDir(), "toscaflow.db")
	ctx := context.Background()

	mustRun(t, db, "services", "create", nodeCellar, "--name", "nodecellar")
	out := mustRun(t, db, "install", "nodecellar", "--dry-run")
	if !strings.Contains(out, "Dry run of 'install' on service nodecellar: terminated") {
		t.Fatalf("Unexpected dry-run output: %s", out)
	}
	if !strings.Contains(out, "Executing node node_cellar_") || !strings.Contains(out, "operation Standard start") {
		t.Errorf("Expected operation summaries, got: %s", out)
	}
	if !strings.Contains(out, "operation Configure pre_configure_source") {
		t.Errorf("Expected the relationship operation summary, got: %s", out)
	}

	service := serviceNamed(t, db, "nodecellar")
	if len(service.Nodes) != 15 {
		t.Errorf("Expected 15 nodes, got %d", len(service.Nodes))
	}
	for _, n := range service.Nodes {
		if n.State != models.NodeStateInitial {
			t.Errorf("Expected %s to be untouched by the dry run, got %s", n.Name, n.State)
		}
	}
	nodejs := service.NodesOfTemplate("nodejs")[0]
	host := service.Node(nodejs.HostID)
	if host == nil || host.TemplateName != "application_host" {
		t.Errorf("Expected nodejs to be placed on application_host, got %+v", host)
	}

	executions, err := openStore(t, db).ListExecutions(ctx, models.ExecutionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 0 {
		t.Errorf("Expected no stored executions after a dry run, got %d", len(executions))
	}
}

func TestServicesCreate_RejectsIssues(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "toscaflow.db")

	path := filepath.Join(dir, "orphan.yaml")
	content := `name: orphan
node_templates:
  app:
    type: tosca.nodes.SoftwareComponent
    requirements:
      - name: host
        node_type: tosca.nodes.Compute
        relationship: tosca.relationships.HostedOn
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := toscaflow(t, db, "services", "create", path, "--name", "orphan"); !models.IsValidation(err) {
		t.Fatalf("Expected a validation error, got %v", err)
	}
	out := mustRun(t, db, "services", "list")
	if strings.Contains(out, "orphan") {
		t.Errorf("Expected nothing to be stored, got: %s", out)
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"port=8080", "name=web", "debug=true", "tags=[a, b]", "empty="})
	if err != nil {
		t.Fatalf("parseInputs failed: %v", err)
	}
	if inputs["port"] != 8080 || inputs["name"] != "web" || inputs["debug"] != true || inputs["empty"] != "" {
		t.Errorf("Unexpected inputs %#v", inputs)
	}
	if tags, ok := inputs["tags"].([]interface{}); !ok || len(tags) != 2 {
		t.Errorf("Expected a two-element list, got %#v", inputs["tags"])
	}

	if none, err := parseInputs(nil); err != nil || none != nil {
		t.Errorf("Expected nil inputs, got %v, %v", none, err)
	}
	for _, bad := range []string{"novalue", "=x", "key=[unclosed"} {
		if _, err := parseInputs([]string{bad}); !models.IsValidation(err) {
			t.Errorf("%q: expected a validation error, got %v", bad, err)
		}
	}
}
