package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/toscaflow/pkg/models"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements models.ModelStorage on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ models.ModelStorage = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateService stores a service with all of its nodes and relationships.
func (s *SQLiteStore) CreateService(ctx context.Context, service *models.Service) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO services (id, name, template_name, description, inputs, plugins, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			service.ID,
			service.Name,
			service.TemplateName,
			service.Description,
			encodeJSON(service.Inputs),
			encodeJSON(service.Plugins),
			formatTime(service.CreatedAt),
			formatTime(service.UpdatedAt),
		)
		if err != nil {
			return translateError(fmt.Sprintf("failed to create service %s", service.Name), err)
		}

		for i, n := range service.Nodes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO nodes (id, service_id, position, name, template_name, type_name, type_hierarchy,
					state, host_id, properties, attributes, interfaces, capabilities)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				n.ID,
				service.ID,
				i,
				n.Name,
				n.TemplateName,
				n.TypeName,
				encodeJSON(n.TypeHierarchy),
				n.State,
				n.HostID,
				encodeJSON(n.Properties),
				encodeJSON(n.Attributes),
				encodeJSON(n.Interfaces),
				encodeJSON(n.Capabilities),
			)
			if err != nil {
				return translateError(fmt.Sprintf("failed to create node %s", n.Name), err)
			}
		}

		for _, n := range service.Nodes {
			for i, r := range n.Outbound {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO relationships (id, service_id, source_node_id, target_node_id, position, name,
						type_name, type_hierarchy, target_capability_name, requirement_name, template_name,
						properties, interfaces)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.ID,
					service.ID,
					n.ID,
					r.TargetNodeID,
					i,
					r.Name,
					r.TypeName,
					encodeJSON(r.TypeHierarchy),
					r.TargetCapabilityName,
					r.RequirementName,
					r.TemplateName,
					encodeJSON(r.Properties),
					encodeJSON(r.Interfaces),
				)
				if err != nil {
					return translateError(fmt.Sprintf("failed to create relationship %s", r.Name), err)
				}
			}
		}
		return nil
	})
}

const serviceColumns = `id, name, template_name, description, inputs, plugins, created_at, updated_at`

func scanService(row interface{ Scan(...any) error }) (*models.Service, error) {
	service := &models.Service{}
	var inputs, plugins, createdAt, updatedAt string
	err := row.Scan(
		&service.ID,
		&service.Name,
		&service.TemplateName,
		&service.Description,
		&inputs,
		&plugins,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(inputs, &service.Inputs); err != nil {
		return nil, err
	}
	if err := decodeJSON(plugins, &service.Plugins); err != nil {
		return nil, err
	}
	service.CreatedAt = parseTime(createdAt)
	service.UpdatedAt = parseTime(updatedAt)
	return service, nil
}

// GetService loads a service, its nodes and relationships by id.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	return s.loadService(ctx, row, id)
}

// GetServiceByName loads a service by its unique name.
func (s *SQLiteStore) GetServiceByName(ctx context.Context, name string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE name = ?`, name)
	return s.loadService(ctx, row, name)
}

func (s *SQLiteStore) loadService(ctx context.Context, row *sql.Row, key string) (*models.Service, error) {
	service, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("service", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	nodes, err := s.queryNodes(ctx, `WHERE service_id = ? ORDER BY position`, service.ID)
	if err != nil {
		return nil, err
	}
	service.Nodes = nodes
	if err := s.attachRelationships(ctx, nodes, `WHERE service_id = ?`, service.ID); err != nil {
		return nil, err
	}
	service.LinkRelationships()
	return service, nil
}

// ListServices returns every service without nodes, oldest first.
func (s *SQLiteStore) ListServices(ctx context.Context) ([]*models.Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*models.Service
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

// DeleteService removes a service; the schema cascades to its nodes,
// relationships, executions, tasks and logs.
func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	return expectRow(result, "service", id)
}

const nodeColumns = `id, service_id, name, template_name, type_name, type_hierarchy, state, host_id,
	properties, attributes, interfaces, capabilities`

func (s *SQLiteStore) queryNodes(ctx context.Context, where string, args ...any) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n := &models.Node{}
		var hierarchy, properties, attributes, interfaces, capabilities string
		err := rows.Scan(
			&n.ID,
			&n.ServiceID,
			&n.Name,
			&n.TemplateName,
			&n.TypeName,
			&hierarchy,
			&n.State,
			&n.HostID,
			&properties,
			&attributes,
			&interfaces,
			&capabilities,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := errors.Join(
			decodeJSON(hierarchy, &n.TypeHierarchy),
			decodeJSON(properties, &n.Properties),
			decodeJSON(attributes, &n.Attributes),
			decodeJSON(interfaces, &n.Interfaces),
			decodeJSON(capabilities, &n.Capabilities),
		); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", n.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// attachRelationships loads relationships and appends each to its source
// node's outbound list.
func (s *SQLiteStore) attachRelationships(ctx context.Context, nodes []*models.Node, where string, args ...any) error {
	bySource := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		bySource[n.ID] = n
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_node_id, target_node_id, name, type_name, type_hierarchy, target_capability_name,
			requirement_name, template_name, properties, interfaces
		FROM relationships `+where+` ORDER BY source_node_id, position`, args...)
	if err != nil {
		return fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &models.Relationship{}
		var hierarchy, properties, interfaces string
		err := rows.Scan(
			&r.ID,
			&r.SourceNodeID,
			&r.TargetNodeID,
			&r.Name,
			&r.TypeName,
			&hierarchy,
			&r.TargetCapabilityName,
			&r.RequirementName,
			&r.TemplateName,
			&properties,
			&interfaces,
		)
		if err != nil {
			return fmt.Errorf("failed to scan relationship: %w", err)
		}
		if err := errors.Join(
			decodeJSON(hierarchy, &r.TypeHierarchy),
			decodeJSON(properties, &r.Properties),
			decodeJSON(interfaces, &r.Interfaces),
		); err != nil {
			return fmt.Errorf("failed to decode relationship %s: %w", r.ID, err)
		}
		if source, ok := bySource[r.SourceNodeID]; ok {
			source.Outbound = append(source.Outbound, r)
		}
	}
	return rows.Err()
}

// GetNode loads a single node with its outbound relationships.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	nodes, err := s.queryNodes(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, models.NewNotFoundError("node", id)
	}
	if err := s.attachRelationships(ctx, nodes, `WHERE source_node_id = ?`, id); err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// UpdateNode persists a node's state and attributes.
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *models.Node) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE nodes SET state = ?, attributes = ? WHERE id = ?`,
			node.State, encodeJSON(node.Attributes), node.ID)
		if err != nil {
			return fmt.Errorf("failed to update node: %w", err)
		}
		if err := expectRow(result, "node", node.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE services SET updated_at = ?
			WHERE id = (SELECT service_id FROM nodes WHERE id = ?)`,
			formatTime(time.Now().UTC()), node.ID)
		if err != nil {
			return fmt.Errorf("failed to touch service: %w", err)
		}
		return nil
	})
}

// CreateExecution stores a new execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, execution *models.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, service_id, workflow_name, status, inputs, error, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID,
		execution.ServiceID,
		execution.WorkflowName,
		execution.Status,
		encodeJSON(execution.Inputs),
		execution.Error,
		formatTime(execution.CreatedAt),
		formatTimePtr(execution.StartedAt),
		formatTimePtr(execution.EndedAt),
	)
	if err != nil {
		return translateError(fmt.Sprintf("failed to create execution %s", execution.ID), err)
	}
	return nil
}

const executionColumns = `id, service_id, workflow_name, status, inputs, error, created_at, started_at, ended_at`

func scanExecution(row interface{ Scan(...any) error }) (*models.Execution, error) {
	e := &models.Execution{}
	var inputs, createdAt string
	var startedAt, endedAt sql.NullString
	err := row.Scan(
		&e.ID,
		&e.ServiceID,
		&e.WorkflowName,
		&e.Status,
		&inputs,
		&e.Error,
		&createdAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(inputs, &e.Inputs); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseTimePtr(startedAt)
	e.EndedAt = parseTimePtr(endedAt)
	return e, nil
}

// GetExecution loads an execution.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution writes an execution's status, error and timestamps if the
// stored status still equals expected.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, execution *models.Execution, expected models.ExecutionStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, error = ?, started_at = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		execution.Status,
		execution.Error,
		formatTimePtr(execution.StartedAt),
		formatTimePtr(execution.EndedAt),
		execution.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.GetExecution(ctx, execution.ID)
	if err != nil {
		return err
	}
	return models.NewConflictError(
		fmt.Sprintf("execution %s is %s, expected %s", execution.ID, current.Status, expected), nil).WithResource(execution.ID)
}

// ListExecutions returns matching executions, oldest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, error) {
	var where []string
	var args []any
	if filter.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, filter.ServiceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// CreateTasks stores a compiled graph in one transaction.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (id, execution_id, name, kind, scope_id, parent_scope_id, actor_type, node_id,
				relationship_id, interface_name, operation_name, plugin, function, arguments, runs_on, status,
				due_at, started_at, ended_at, max_attempts, retry_count, retry_interval, ignore_failure,
				dependencies, error, stack, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare task insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tasks {
			_, err := stmt.ExecContext(ctx,
				t.ID,
				t.ExecutionID,
				t.Name,
				t.Kind,
				t.ScopeID,
				t.ParentScopeID,
				t.ActorType,
				t.NodeID,
				t.RelationshipID,
				t.InterfaceName,
				t.OperationName,
				t.Plugin,
				t.Function,
				encodeJSON(t.Arguments),
				t.RunsOn,
				t.Status,
				formatTime(t.DueAt),
				formatTimePtr(t.StartedAt),
				formatTimePtr(t.EndedAt),
				t.MaxAttempts,
				t.RetryCount,
				int64(t.RetryInterval),
				t.IgnoreFailure,
				encodeJSON(t.Dependencies),
				t.Error,
				t.Stack,
				formatTime(t.CreatedAt),
			)
			if err != nil {
				return translateError(fmt.Sprintf("failed to create task %s", t.Name), err)
			}
		}
		return nil
	})
}

const taskColumns = `id, execution_id, name, kind, scope_id, parent_scope_id, actor_type, node_id, relationship_id,
	interface_name, operation_name, plugin, function, arguments, runs_on, status, due_at, started_at, ended_at,
	max_attempts, retry_count, retry_interval, ignore_failure, dependencies, error, stack, created_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var arguments, dependencies, dueAt, createdAt string
	var startedAt, endedAt sql.NullString
	var retryInterval int64
	err := row.Scan(
		&t.ID,
		&t.ExecutionID,
		&t.Name,
		&t.Kind,
		&t.ScopeID,
		&t.ParentScopeID,
		&t.ActorType,
		&t.NodeID,
		&t.RelationshipID,
		&t.InterfaceName,
		&t.OperationName,
		&t.Plugin,
		&t.Function,
		&arguments,
		&t.RunsOn,
		&t.Status,
		&dueAt,
		&startedAt,
		&endedAt,
		&t.MaxAttempts,
		&t.RetryCount,
		&retryInterval,
		&t.IgnoreFailure,
		&dependencies,
		&t.Error,
		&t.Stack,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := errors.Join(decodeJSON(arguments, &t.Arguments), decodeJSON(dependencies, &t.Dependencies)); err != nil {
		return nil, err
	}
	t.RetryInterval = time.Duration(retryInterval)
	t.DueAt = parseTime(dueAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.EndedAt = parseTimePtr(endedAt)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// GetTask loads a task.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes the mutable task fields if the stored status still
// equals expected.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task, expected models.TaskStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, due_at = ?, started_at = ?, ended_at = ?, retry_count = ?, error = ?, stack = ?
		WHERE id = ? AND status = ?`,
		task.Status,
		formatTime(task.DueAt),
		formatTimePtr(task.StartedAt),
		formatTimePtr(task.EndedAt),
		task.RetryCount,
		task.Error,
		task.Stack,
		task.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	return models.NewConflictError(
		fmt.Sprintf("task %s is %s, expected %s", task.ID, current.Status, expected), nil).WithResource(task.ID)
}

// ListTasks returns an execution's tasks in the order they were created.
func (s *SQLiteStore) ListTasks(ctx context.Context, executionID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AppendLog stores a log line and assigns its id.
func (s *SQLiteStore) AppendLog(ctx context.Context, log *models.Log) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (execution_id, task_id, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		log.ExecutionID,
		log.TaskID,
		log.Level,
		log.Message,
		formatTime(log.CreatedAt),
	)
	if err != nil {
		return translateError("failed to append log", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log id: %w", err)
	}
	log.ID = id
	return nil
}

// ListLogs returns matching log lines in insertion order.
func (s *SQLiteStore) ListLogs(ctx context.Context, filter models.LogFilter) ([]*models.Log, error) {
	var where []string
	var args []any
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	query := `SELECT id, execution_id, task_id, level, message, created_at FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.Log
	for rows.Next() {
		l := &models.Log{}
		var createdAt string
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.TaskID, &l.Level, &l.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.NewNotFoundError(kind, id)
	}
	return nil
}

// translateError classifies constraint violations.
func translateError(message string, err error) error {
	text := err.Error()
	switch {
	case strings.Contains(text, "UNIQUE constraint failed"), strings.Contains(text, "PRIMARY KEY"):
		return models.NewConflictError(message, err)
	case strings.Contains(text, "FOREIGN KEY constraint failed"):
		return models.NewValidationError(message, err)
	default:
		return fmt.Errorf("%s: %w", message, err)
	}
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}

func decodeJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
