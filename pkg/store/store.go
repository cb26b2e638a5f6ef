// Package store implements fleet.Store on top of gorm, backed by SQLite for
// single-node deployments and PostgreSQL in production.
package store

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opszero/hive/pkg/fleet"
)

// Store is the gorm-backed fleet.Store.
type Store struct {
	db *gorm.DB
}

var _ fleet.Store = (*Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string, logger zerolog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(stdlog.New(logger.With().Str("component", "gorm").Logger(), "", 0), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "" || driver == "sqlite" {
		// SQLite allows a single writer; serializing the pool keeps conditional
		// updates from failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the fleet tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&fleet.EnrollmentProfile{}, &fleet.Agent{}, &fleet.Command{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for tests and maintenance tooling.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// notFound maps gorm.ErrRecordNotFound to the given domain error.
func notFound(err error, domainErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainErr
	}
	return err
}

func (s *Store) UpsertAgent(ctx context.Context, agent *fleet.Agent) (bool, error) {
	candidateID := agent.ID
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"profile_id", "device_name", "hostname", "serial_number", "model",
			"os_version", "architecture", "mac_address", "agent_version",
			"ip_address", "metadata", "is_active", "updated_at",
		}),
	}).Create(agent).Error
	if err != nil {
		return false, fmt.Errorf("upsert agent: %w", err)
	}

	var stored fleet.Agent
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND device_id = ?", agent.OrganizationID, agent.DeviceID).
		First(&stored).Error; err != nil {
		return false, fmt.Errorf("reload agent: %w", err)
	}
	*agent = stored
	return stored.ID == candidateID, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*fleet.Agent, error) {
	var agent fleet.Agent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error; err != nil {
		return nil, notFound(err, fleet.ErrUnknownAgent)
	}
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context, organizationID string) ([]fleet.Agent, error) {
	var agents []fleet.Agent
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("last_heartbeat IS NULL, last_heartbeat DESC, created_at DESC").
		Find(&agents).Error
	return agents, err
}

func applyAgentFilter(q *gorm.DB, f fleet.AgentFilter) *gorm.DB {
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if f.OrganizationID != "" {
		q = q.Where("organization_id = ?", f.OrganizationID)
	}
	if f.ProfileID != "" {
		q = q.Where("profile_id = ?", f.ProfileID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.HeartbeatBefore.IsZero() {
		q = q.Where("last_heartbeat < ?", f.HeartbeatBefore)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	return q
}

func agentPatchColumns(p fleet.AgentPatch) map[string]any {
	cols := map[string]any{"updated_at": p.UpdatedAt}
	if p.Status != "" {
		cols["status"] = p.Status
	}
	if p.LastHeartbeat != nil {
		cols["last_heartbeat"] = *p.LastHeartbeat
	}
	if p.BatteryLevel != nil {
		cols["battery_level"] = *p.BatteryLevel
	}
	if p.IsCharging != nil {
		cols["is_charging"] = *p.IsCharging
	}
	if p.IPAddress != nil {
		cols["ip_address"] = *p.IPAddress
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.ClearProfile {
		cols["profile_id"] = gorm.Expr("NULL")
	}
	return cols
}

func (s *Store) ConditionalUpdateAgents(ctx context.Context, f fleet.AgentFilter, p fleet.AgentPatch) (int64, error) {
	if f.Empty() {
		return 0, errors.New("conditional agent update requires a filter")
	}
	res := applyAgentFilter(s.db.WithContext(ctx).Model(&fleet.Agent{}), f).Updates(agentPatchColumns(p))
	if res.Error != nil {
		return 0, fmt.Errorf("update agents: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) InsertCommand(ctx context.Context, cmd *fleet.Command) error {
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*fleet.Command, error) {
	var cmd fleet.Command
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&cmd).Error; err != nil {
		return nil, notFound(err, fleet.ErrCommandNotFound)
	}
	return &cmd, nil
}

func (s *Store) ListCommands(ctx context.Context, organizationID, agentID string) ([]fleet.Command, error) {
	var cmds []fleet.Command
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND agent_id = ?", organizationID, agentID).
		Order("created_at DESC, id DESC").
		Find(&cmds).Error
	return cmds, err
}

func (s *Store) ListPendingCommands(ctx context.Context, agentID string, now time.Time) ([]fleet.Command, error) {
	var cmds []fleet.Command
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ? AND expires_at > ?", agentID, fleet.CommandPending, now).
		Order("created_at ASC, id ASC").
		Find(&cmds).Error
	return cmds, err
}

func (s *Store) DispatchCommand(ctx context.Context, id, agentID string, now time.Time) (bool, error) {
	var claimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Polls for the same agent serialize on its row so the executing
		// check below sees any claim committed before it.
		var agent fleet.Agent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", agentID).
			First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		busy := tx.Session(&gorm.Session{NewDB: true}).Model(&fleet.Command{}).
			Select("1").
			Where("agent_id = ? AND status = ?", agentID, fleet.CommandExecuting)

		res := tx.Model(&fleet.Command{}).
			Where("id = ? AND agent_id = ? AND status = ? AND expires_at > ?", id, agentID, fleet.CommandPending, now).
			Where("NOT EXISTS (?)", busy).
			Updates(map[string]any{
				"status":       fleet.CommandExecuting,
				"executing_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("dispatch command: %w", err)
	}
	return claimed, nil
}

func statusStrings(statuses []fleet.CommandStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func commandPatchColumns(p fleet.CommandPatch) map[string]any {
	cols := map[string]any{"updated_at": p.UpdatedAt}
	if p.Status != "" {
		cols["status"] = p.Status
	}
	if p.Output != nil {
		cols["output"] = *p.Output
	}
	if p.ErrorMessage != nil {
		cols["error_message"] = *p.ErrorMessage
	}
	if p.ExitCode != nil {
		cols["exit_code"] = *p.ExitCode
	}
	if p.ExecutingAt != nil {
		cols["executing_at"] = *p.ExecutingAt
	}
	if p.TerminalAt != nil {
		cols["terminal_at"] = *p.TerminalAt
	}
	return cols
}

func (s *Store) ConditionalTransitionCommand(ctx context.Context, id string, from []fleet.CommandStatus, p fleet.CommandPatch) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("command transition requires a source status")
	}
	res := s.db.WithContext(ctx).Model(&fleet.Command{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(commandPatchColumns(p))
	if res.Error != nil {
		return false, fmt.Errorf("transition command: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func applyCommandFilter(q *gorm.DB, f fleet.CommandFilter) *gorm.DB {
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if len(f.AgentIDs) > 0 {
		q = q.Where("agent_id IN ?", f.AgentIDs)
	}
	if f.OrganizationID != "" {
		q = q.Where("organization_id = ?", f.OrganizationID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at < ?", f.ExpiresBefore)
	}
	return q
}

func (s *Store) ConditionalUpdateCommands(ctx context.Context, f fleet.CommandFilter, p fleet.CommandPatch) (int64, error) {
	if f.Empty() {
		return 0, errors.New("conditional command update requires a filter")
	}
	res := applyCommandFilter(s.db.WithContext(ctx).Model(&fleet.Command{}), f).Updates(commandPatchColumns(p))
	if res.Error != nil {
		return 0, fmt.Errorf("update commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}
