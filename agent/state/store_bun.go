package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// PostgresConfig configures the bun-backed case store.
type PostgresConfig struct {
	DSN     string        `envconfig:"DSN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// caseRow is the persisted shape: one self-contained JSON payload per case,
// with the columns the support team queries on lifted out.
type caseRow struct {
	bun.BaseModel `bun:"table:warranty_cases,alias:wc"`

	CaseID    string          `bun:"case_id,pk"`
	Stage     string          `bun:"stage,notnull"`
	Terminal  bool            `bun:"terminal,notnull"`
	Outcome   string          `bun:"outcome"`
	Payload   json.RawMessage `bun:"payload,type:jsonb,notnull"`
	UpdatedAt time.Time       `bun:"updated_at,notnull"`
}

// PostgresStore persists CaseContext rows via uptrace/bun.
type PostgresStore struct {
	db      *bun.DB
	timeout time.Duration
}

func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &PostgresStore{db: db, timeout: timeout}, nil
}

// Init creates the backing table when absent.
func (s *PostgresStore) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.NewCreateTable().
		Model((*caseRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create warranty_cases table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, caseID string) (*CaseContext, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrInvalidCaseID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := new(caseRow)
	err := s.db.NewSelect().
		Model(row).
		Where("case_id = ?", caseID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select case row: %w", err)
	}

	var c CaseContext
	if err := json.Unmarshal(row.Payload, &c); err != nil {
		return nil, fmt.Errorf("unmarshal case state: %w", err)
	}
	c.EnsureGates()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid case state loaded from store: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) Save(ctx context.Context, c *CaseContext) error {
	if c == nil {
		return ErrNilCase
	}
	if strings.TrimSpace(c.CaseID) == "" {
		return ErrInvalidCaseID
	}
	c.EnsureGates()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case state: %w", err)
	}

	row := &caseRow{
		CaseID:    c.CaseID,
		Stage:     string(c.Stage),
		Terminal:  c.Terminal,
		Outcome:   string(c.Outcome),
		Payload:   payload,
		UpdatedAt: c.UpdatedAt.UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (case_id) DO UPDATE").
		Set("stage = EXCLUDED.stage").
		Set("terminal = EXCLUDED.terminal").
		Set("outcome = EXCLUDED.outcome").
		Set("payload = EXCLUDED.payload").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert case row: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, caseID string) error {
	if strings.TrimSpace(caseID) == "" {
		return ErrInvalidCaseID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.NewDelete().
		Model((*caseRow)(nil)).
		Where("case_id = ?", caseID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete case row: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
