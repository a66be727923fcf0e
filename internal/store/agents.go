package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentRecord is the durable slice of an agent: its VM binding,
// status, and the log offsets that make tail resumption survive a
// process restart.
type AgentRecord struct {
	Label      string    `json:"label"`
	VMID       string    `json:"vm_id"`
	Status     string    `json:"status"`
	TailOffset int64     `json:"tail_offset"`
	ReadOffset int64     `json:"read_offset"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *AgentRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (label, vm_id, status, tail_offset, read_offset, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(label) DO UPDATE SET
			vm_id = excluded.vm_id,
			status = excluded.status,
			tail_offset = excluded.tail_offset,
			read_offset = excluded.read_offset,
			updated_at = CURRENT_TIMESTAMP`,
		a.Label, a.VMID, a.Status, a.TailOffset, a.ReadOffset)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(label string) (*AgentRecord, error) {
	a := &AgentRecord{}
	err := s.db.QueryRow(`
		SELECT label, vm_id, status, tail_offset, read_offset, created_at, updated_at
		FROM agents WHERE label = ?`, label).
		Scan(&a.Label, &a.VMID, &a.Status, &a.TailOffset, &a.ReadOffset, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]AgentRecord, error) {
	rows, err := s.db.Query(`
		SELECT label, vm_id, status, tail_offset, read_offset, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var a AgentRecord
		if err := rows.Scan(&a.Label, &a.VMID, &a.Status, &a.TailOffset, &a.ReadOffset, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(label, status string) error {
	_, err := s.db.Exec(`
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE label = ?`,
		status, label)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgentTailOffset(label string, offset int64) error {
	_, err := s.db.Exec(`
		UPDATE agents SET tail_offset = ?, updated_at = CURRENT_TIMESTAMP WHERE label = ?`,
		offset, label)
	if err != nil {
		return fmt.Errorf("update tail offset: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgentReadOffset(label string, offset int64) error {
	_, err := s.db.Exec(`
		UPDATE agents SET read_offset = ?, updated_at = CURRENT_TIMESTAMP WHERE label = ?`,
		offset, label)
	if err != nil {
		return fmt.Errorf("update read offset: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(label string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE label = ?`, label)
	return err
}
