package workflow

import (
	"fmt"
	"slices"

	"github.com/openfroyo/toscaflow/pkg/models"
)

// Normative interface names.
const (
	StandardInterface  = "Standard"
	ConfigureInterface = "Configure"
)

// Standard lifecycle operations.
const (
	OpCreate    = "create"
	OpConfigure = "configure"
	OpStart     = "start"
	OpStop      = "stop"
	OpDelete    = "delete"
)

// Configure interface operations run on relationships.
const (
	OpPreConfigureSource  = "pre_configure_source"
	OpPreConfigureTarget  = "pre_configure_target"
	OpPostConfigureSource = "post_configure_source"
	OpPostConfigureTarget = "post_configure_target"
	OpAddSource           = "add_source"
	OpAddTarget           = "add_target"
	OpRemoveSource        = "remove_source"
	OpRemoveTarget        = "remove_target"
	OpTargetChanged       = "target_changed"
)

// Builtin workflow names.
const (
	WorkflowInstall          = "install"
	WorkflowUninstall        = "uninstall"
	WorkflowStart            = "start"
	WorkflowStop             = "stop"
	WorkflowExecuteOperation = "execute_operation"
)

// WithRunsOn sets the side of a relationship whose host runs the task.
func WithRunsOn(side models.RunsOn) OperationOption {
	return func(t *OperationTask) { t.RunsOn = side }
}

// NodeTask returns a task for the Standard operation op on node, or nil when
// the node does not implement it.
func NodeTask(wctx *Context, node *models.Node, op string) (Task, error) {
	if node.Operation(StandardInterface, op) == nil {
		return nil, nil
	}
	t, err := NewNodeOperationTask(wctx, node, StandardInterface, op)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RelationshipTasks returns one task per outbound relationship of node that
// carries the Configure operation op.
func RelationshipTasks(wctx *Context, node *models.Node, op string, side models.RunsOn) ([]Task, error) {
	var tasks []Task
	for _, rel := range node.Outbound {
		if rel.Operation(ConfigureInterface, op) == nil {
			continue
		}
		t, err := NewRelationshipOperationTask(wctx, rel, ConfigureInterface, op, WithRunsOn(side))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// LinkByRelationships makes each node's task depend on the tasks of its
// relationship targets. With reverse, targets wait for their sources instead.
func LinkByRelationships(graph *TaskGraph, nodes []*models.Node, tasks map[string]Task, reverse bool) error {
	for _, node := range nodes {
		task, ok := tasks[node.ID]
		if !ok {
			continue
		}
		for _, rel := range node.Outbound {
			dep, ok := tasks[rel.TargetNodeID]
			if !ok || dep.ID() == task.ID() {
				continue
			}
			var err error
			if reverse {
				err = graph.AddDependency(dep, task)
			} else {
				err = graph.AddDependency(task, dep)
			}
			if err != nil {
				return fmt.Errorf("failed to link %s to %s: %w", node.Name, rel.TargetNodeID, err)
			}
		}
	}
	return nil
}

// sequenceBuilder accumulates tasks and the first error met while creating them.
type sequenceBuilder struct {
	wctx  *Context
	node  *models.Node
	tasks []Task
	err   error
}

func (b *sequenceBuilder) nodeOp(op string) {
	if b.err != nil {
		return
	}
	t, err := NodeTask(b.wctx, b.node, op)
	if err != nil {
		b.err = err
		return
	}
	if t != nil {
		b.tasks = append(b.tasks, t)
	}
}

func (b *sequenceBuilder) relationshipOps(op string, side models.RunsOn) {
	if b.err != nil {
		return
	}
	ts, err := RelationshipTasks(b.wctx, b.node, op, side)
	if err != nil {
		b.err = err
		return
	}
	b.tasks = append(b.tasks, ts...)
}

func (b *sequenceBuilder) start() {
	b.nodeOp(OpStart)
	b.relationshipOps(OpAddSource, models.RunsOnSource)
	b.relationshipOps(OpAddTarget, models.RunsOnTarget)
	b.relationshipOps(OpTargetChanged, models.RunsOnTarget)
}

func (b *sequenceBuilder) stop() {
	b.relationshipOps(OpRemoveTarget, models.RunsOnTarget)
	b.relationshipOps(OpTargetChanged, models.RunsOnTarget)
	b.nodeOp(OpStop)
}

func (b *sequenceBuilder) into(graph *TaskGraph) error {
	if b.err != nil {
		return b.err
	}
	_, err := graph.Sequence(b.tasks...)
	return err
}

// InstallNode builds the lifecycle of one node: create, configure with its
// relationships, then start.
func InstallNode(wctx *Context, graph *TaskGraph, node *models.Node) error {
	b := &sequenceBuilder{wctx: wctx, node: node}
	b.nodeOp(OpCreate)
	b.relationshipOps(OpPreConfigureSource, models.RunsOnSource)
	b.relationshipOps(OpPreConfigureTarget, models.RunsOnTarget)
	b.nodeOp(OpConfigure)
	b.relationshipOps(OpPostConfigureSource, models.RunsOnSource)
	b.relationshipOps(OpPostConfigureTarget, models.RunsOnTarget)
	b.start()
	return b.into(graph)
}

// UninstallNode stops a node and deletes it.
func UninstallNode(wctx *Context, graph *TaskGraph, node *models.Node) error {
	b := &sequenceBuilder{wctx: wctx, node: node}
	b.stop()
	b.nodeOp(OpDelete)
	return b.into(graph)
}

// StartNode starts a node and notifies its relationships.
func StartNode(wctx *Context, graph *TaskGraph, node *models.Node) error {
	b := &sequenceBuilder{wctx: wctx, node: node}
	b.start()
	return b.into(graph)
}

// StopNode detaches a node's relationships and stops it.
func StopNode(wctx *Context, graph *TaskGraph, node *models.Node) error {
	b := &sequenceBuilder{wctx: wctx, node: node}
	b.stop()
	return b.into(graph)
}

// NodeWorkflowFunc builds the graph of one node.
type NodeWorkflowFunc func(wctx *Context, graph *TaskGraph, node *models.Node) error

// perNode adds one nested workflow per node, named "<name>_<node>", and links
// them along relationships.
func perNode(wctx *Context, graph *TaskGraph, name string, fn NodeWorkflowFunc, reverse bool) error {
	nodes := wctx.Nodes()
	subs := make(map[string]Task, len(nodes))
	for _, node := range nodes {
		sub, err := NewWorkflowTask(fmt.Sprintf("%s_%s", name, node.Name), func(g *TaskGraph) error {
			return fn(wctx, g, node)
		})
		if err != nil {
			return err
		}
		subs[node.ID] = sub
		graph.AddTasks(sub)
	}
	return LinkByRelationships(graph, nodes, subs, reverse)
}

// Install installs every node, targets before their sources.
func Install(wctx *Context, graph *TaskGraph, _ map[string]interface{}) error {
	return perNode(wctx, graph, "install_node", InstallNode, false)
}

// Uninstall uninstalls every node, sources before their targets.
func Uninstall(wctx *Context, graph *TaskGraph, _ map[string]interface{}) error {
	return perNode(wctx, graph, "uninstall_node", UninstallNode, true)
}

// Start starts every node, targets before their sources.
func Start(wctx *Context, graph *TaskGraph, _ map[string]interface{}) error {
	return perNode(wctx, graph, "start_node", StartNode, false)
}

// Stop stops every node, sources before their targets.
func Stop(wctx *Context, graph *TaskGraph, _ map[string]interface{}) error {
	return perNode(wctx, graph, "stop_node", StopNode, true)
}

// ExecuteOperationInputs selects the operation and nodes for
// ExecuteOperation.
type ExecuteOperationInputs struct {
	InterfaceName string
	OperationName string

	// Arguments overlay the operation's configured arguments.
	Arguments map[string]interface{}

	// RunByDependencyOrder orders the selected nodes along relationships.
	RunByDependencyOrder bool

	// TypeNames excludes nodes whose type is listed.
	TypeNames []string

	// NodeTemplateNames keeps only nodes of these templates when set.
	NodeTemplateNames []string

	// NodeIDs keeps only these nodes when set.
	NodeIDs []string
}

// ParseExecuteOperationInputs reads ExecuteOperationInputs from workflow
// inputs.
func ParseExecuteOperationInputs(inputs map[string]interface{}) (ExecuteOperationInputs, error) {
	var in ExecuteOperationInputs
	var ok bool
	if in.InterfaceName, ok = inputs["interface_name"].(string); !ok || in.InterfaceName == "" {
		return in, models.NewValidationError("execute_operation requires interface_name", nil)
	}
	if in.OperationName, ok = inputs["operation_name"].(string); !ok || in.OperationName == "" {
		return in, models.NewValidationError("execute_operation requires operation_name", nil)
	}
	if args, ok := inputs["operation_kwargs"].(map[string]interface{}); ok {
		in.Arguments = args
	}
	in.RunByDependencyOrder, _ = inputs["run_by_dependency_order"].(bool)
	in.TypeNames = stringList(inputs["type_names"])
	in.NodeTemplateNames = stringList(inputs["node_template_ids"])
	in.NodeIDs = stringList(inputs["node_ids"])
	return in, nil
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	}
	return nil
}

// ExecuteOperation runs one operation on the selected nodes. With
// RunByDependencyOrder, every node gets a nested workflow, empty for the
// nodes not selected, ordered along relationships.
func ExecuteOperation(wctx *Context, graph *TaskGraph, inputs map[string]interface{}) error {
	in, err := ParseExecuteOperationInputs(inputs)
	if err != nil {
		return err
	}

	nodes := wctx.Nodes()
	selected := make(map[string]bool)
	for _, node := range nodes {
		if in.matches(node) {
			selected[node.ID] = true
		}
	}

	var opts []OperationOption
	if in.Arguments != nil {
		opts = append(opts, WithInputs(in.Arguments))
	}

	if !in.RunByDependencyOrder {
		for _, node := range nodes {
			if !selected[node.ID] {
				continue
			}
			t, err := NewNodeOperationTask(wctx, node, in.InterfaceName, in.OperationName, opts...)
			if err != nil {
				return err
			}
			graph.AddTasks(t)
		}
		return nil
	}

	subs := make(map[string]Task, len(nodes))
	for _, node := range nodes {
		sub, err := NewWorkflowTask("execute_operation_"+node.Name, func(g *TaskGraph) error {
			if !selected[node.ID] {
				return nil
			}
			t, err := NewNodeOperationTask(wctx, node, in.InterfaceName, in.OperationName, opts...)
			if err != nil {
				return err
			}
			g.AddTasks(t)
			return nil
		})
		if err != nil {
			return err
		}
		subs[node.ID] = sub
		graph.AddTasks(sub)
	}
	return LinkByRelationships(graph, nodes, subs, false)
}

func (in ExecuteOperationInputs) matches(node *models.Node) bool {
	if len(in.NodeTemplateNames) > 0 && !slices.Contains(in.NodeTemplateNames, node.TemplateName) {
		return false
	}
	if len(in.NodeIDs) > 0 && !slices.Contains(in.NodeIDs, node.ID) && !slices.Contains(in.NodeIDs, node.Name) {
		return false
	}
	return !slices.Contains(in.TypeNames, node.TypeName)
}
