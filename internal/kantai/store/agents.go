package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/ports"
)

// Agent modes.
const (
	ModeDaemon  = "daemon"
	ModeGateway = "gateway"
)

// API key names recorded on a definition. The key value itself is never
// stored in the registry.
const (
	APIKeyFleetDefault = "fleet_default"
	APIKeyCustom       = "custom"
)

// idPattern defines valid agent IDs. They double as container-name suffixes
// and directory names.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeID turns a display name or requested id into a slug: lower case,
// runs of anything other than [a-z0-9] collapsed to a single hyphen, no
// leading or trailing hyphens, at most 63 characters.
func NormalizeID(s string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// ValidateID returns a validation error if id is not a normalized agent id.
func ValidateID(id string) error {
	if id == "" {
		return errdefs.Validation("agent id must not be empty")
	}
	if !idPattern.MatchString(id) {
		return errdefs.Validation("agent id %q is invalid: must match %s", id, idPattern.String())
	}
	return nil
}

// Agent is a registered agent definition.
type Agent struct {
	ID              string
	Name            string
	Emoji           string
	Role            string
	Provider        string
	Model           string
	Mode            string
	Autonomy        string
	MemLimit        string
	CPULimit        float64
	AllowedCommands []string
	APIKeyName      string
	Port            int
	Enabled         bool
	SoulContent     string
	AgentsContent   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAgent carries the attributes of a definition about to be created.
// ID may be empty, in which case it is derived from Name.
type NewAgent struct {
	ID              string
	Name            string
	Emoji           string
	Role            string
	Provider        string
	Model           string
	Mode            string
	Autonomy        string
	MemLimit        string
	CPULimit        float64
	AllowedCommands []string
	APIKeyName      string
	SoulContent     string
	AgentsContent   string
}

// PortHook runs inside the registry transaction after a port has been
// chosen and before the row is written. Returning an error rolls the
// transaction back, leaving the registry untouched.
type PortHook func(id string, port int) error

// AgentUpdate lists the mutable fields of a definition. Nil fields are left
// unchanged. ID and port are immutable once created.
type AgentUpdate struct {
	Emoji         *string
	Role          *string
	MemLimit      *string
	CPULimit      *float64
	SoulContent   *string
	AgentsContent *string
	Enabled       *bool
}

// Empty reports whether the update changes nothing.
func (u AgentUpdate) Empty() bool {
	return u.Emoji == nil && u.Role == nil && u.MemLimit == nil && u.CPULimit == nil &&
		u.SoulContent == nil && u.AgentsContent == nil && u.Enabled == nil
}

const agentColumns = `id, name, emoji, role, provider, model, mode, autonomy,
	mem_limit, cpu_limit, allowed_commands, api_key_name, port, enabled,
	soul_content, agents_content, created_at, updated_at`

// AgentIDFor returns the normalized id an agent with these attributes would
// receive, validated.
func AgentIDFor(in NewAgent) (string, error) {
	raw := in.ID
	if strings.TrimSpace(raw) == "" {
		raw = in.Name
	}
	id := NormalizeID(raw)
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// CreateAgent registers a new agent. The id is normalized and checked for
// uniqueness, the lowest free port at or above basePort is chosen from the
// ports of all existing definitions, hook (if non-nil) is run with that port,
// and the row is written. All of it happens in one transaction, so two
// concurrent creates never observe the same free port.
func (s *Store) CreateAgent(ctx context.Context, in NewAgent, basePort int, hook PortHook) (*Agent, error) {
	id, err := AgentIDFor(in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, errdefs.Validation("agent name must not be empty")
	}

	commands, err := json.Marshal(nonNil(in.AllowedCommands))
	if err != nil {
		return nil, fmt.Errorf("failed to encode allowed commands: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check agent id: %w", err)
	}
	if exists > 0 {
		return nil, errdefs.Conflict("agent %q already exists", id)
	}

	taken, err := takenPorts(ctx, tx)
	if err != nil {
		return nil, err
	}
	port, err := ports.NextFree(basePort, taken)
	if err != nil {
		return nil, err
	}

	if hook != nil {
		if err := hook(id, port); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:              id,
		Name:            strings.TrimSpace(in.Name),
		Emoji:           in.Emoji,
		Role:            in.Role,
		Provider:        in.Provider,
		Model:           in.Model,
		Mode:            orDefault(in.Mode, ModeDaemon),
		Autonomy:        in.Autonomy,
		MemLimit:        in.MemLimit,
		CPULimit:        in.CPULimit,
		AllowedCommands: nonNil(in.AllowedCommands),
		APIKeyName:      orDefault(in.APIKeyName, APIKeyFleetDefault),
		Port:            port,
		Enabled:         true,
		SoulContent:     in.SoulContent,
		AgentsContent:   in.AgentsContent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Emoji, agent.Role, agent.Provider, agent.Model,
		agent.Mode, agent.Autonomy, agent.MemLimit, agent.CPULimit, string(commands),
		agent.APIKeyName, agent.Port, agent.Enabled, agent.SoulContent, agent.AgentsContent,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errdefs.Conflict("agent %q or port %d already registered", id, port)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit agent %s: %w", id, err)
	}
	return agent, nil
}

// AgentExists reports whether a definition with this id is registered.
func (s *Store) AgentExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check agent %s: %w", id, err)
	}
	return n > 0, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("agent %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all definitions in creation order.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// TakenPorts returns the ports of every definition, enabled or not.
func (s *Store) TakenPorts(ctx context.Context) ([]int, error) {
	return takenPorts(ctx, s.db)
}

// UpdateAgent merges the non-nil fields of u into the definition and returns
// the updated row.
func (s *Store) UpdateAgent(ctx context.Context, id string, u AgentUpdate) (*Agent, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Emoji != nil {
		add("emoji", *u.Emoji)
	}
	if u.Role != nil {
		add("role", *u.Role)
	}
	if u.MemLimit != nil {
		add("mem_limit", *u.MemLimit)
	}
	if u.CPULimit != nil {
		add("cpu_limit", *u.CPULimit)
	}
	if u.SoulContent != nil {
		add("soul_content", *u.SoulContent)
	}
	if u.AgentsContent != nil {
		add("agents_content", *u.AgentsContent)
	}
	if u.Enabled != nil {
		add("enabled", *u.Enabled)
	}
	if len(sets) == 0 {
		return s.GetAgent(ctx, id)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, errdefs.NotFound("agent %q", id)
	}
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes a definition. It reports whether a row was deleted and
// never touches the container runtime.
func (s *Store) DeleteAgent(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// AgentCount returns the number of registered agents.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}

// --- helpers ---

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func takenPorts(ctx context.Context, q queryer) ([]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT port FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to list taken ports: %w", err)
	}
	defer rows.Close()

	var taken []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		taken = append(taken, p)
	}
	return taken, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	agent := &Agent{}
	var commands string
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Emoji, &agent.Role, &agent.Provider, &agent.Model,
		&agent.Mode, &agent.Autonomy, &agent.MemLimit, &agent.CPULimit, &commands,
		&agent.APIKeyName, &agent.Port, &agent.Enabled, &agent.SoulContent, &agent.AgentsContent,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(commands), &agent.AllowedCommands); err != nil {
		return nil, fmt.Errorf("agent %s: decode allowed commands: %w", agent.ID, err)
	}
	agent.AllowedCommands = nonNil(agent.AllowedCommands)
	return agent, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
