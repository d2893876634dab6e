package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ordercore/internal/model"
)

const riskStateKey = "risk_state"

func strategyExecStateKey(name string) string {
	return "strategy_exec_state/" + name
}

func strategyConfigKey(name string) string {
	return "strategy_config/" + name
}

// SaveRiskState persists the process-wide RiskState snapshot for crash recovery.
func (r *Repository) SaveRiskState(ctx context.Context, rs model.RiskState) error {
	return r.putDoc(ctx, riskStateKey, rs)
}

// LoadRiskState reads the persisted RiskState, or the zero value if none was
// ever saved (a fresh session with no prior crash to recover from).
func (r *Repository) LoadRiskState(ctx context.Context) (model.RiskState, error) {
	var rs model.RiskState
	err := r.getDoc(ctx, riskStateKey, &rs)
	if err == ErrNotFound {
		return model.RiskState{}, nil
	}
	return rs, err
}

// SaveStrategyExecState persists per-strategy state after every successful
// adjustment or exit, per spec.md §3.
func (r *Repository) SaveStrategyExecState(ctx context.Context, st model.StrategyExecState) error {
	return r.putDoc(ctx, strategyExecStateKey(st.StrategyName), st)
}

func (r *Repository) LoadStrategyExecState(ctx context.Context, name string) (*model.StrategyExecState, error) {
	var st model.StrategyExecState
	err := r.getDoc(ctx, strategyExecStateKey(name), &st)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveStrategyConfig persists the producer-independent config request_entry
// expands into a running strategy instance, so a later request_entry for
// the same name does not need the producer to resend it.
func (r *Repository) SaveStrategyConfig(ctx context.Context, cfg model.StrategyConfig) error {
	return r.putDoc(ctx, strategyConfigKey(cfg.StrategyName), cfg)
}

// LoadStrategyConfig returns nil, nil if no config was ever saved under name.
func (r *Repository) LoadStrategyConfig(ctx context.Context, name string) (*model.StrategyConfig, error) {
	var cfg model.StrategyConfig
	err := r.getDoc(ctx, strategyConfigKey(name), &cfg)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Repository) putDoc(ctx context.Context, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling doc %s: %w", key, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO kv_docs (doc_key, value) VALUES (?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET value = excluded.value`, key, string(buf))
	if err != nil {
		return fmt.Errorf("persisting doc %s: %w", key, err)
	}
	return nil
}

func (r *Repository) getDoc(ctx context.Context, key string, dest interface{}) error {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_docs WHERE doc_key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}
