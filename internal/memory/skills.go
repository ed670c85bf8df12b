package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Skill is a reusable instruction block the optimizer injects into agent
// context when its name or description matches the task at hand.
type Skill struct {
	ID           types.ID        `json:"id"`
	Name         string          `json:"name"`
	Namespace    types.Namespace `json:"namespace"`
	Description  string          `json:"description"`
	Instructions string          `json:"instructions"`
	UsageCount   int             `json:"usage_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// UpsertSkill creates or replaces a skill by (namespace, name).
func (s *Store) UpsertSkill(ctx context.Context, sk *Skill) (*Skill, error) {
	if sk.Name == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "skill name cannot be empty")
	}
	if sk.ID.IsZero() {
		sk.ID = types.NewID()
	}
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO skills
		(id, name, namespace, description, instructions, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, name) DO UPDATE SET
			description = excluded.description,
			instructions = excluded.instructions,
			updated_at = excluded.updated_at`,
		sk.ID.String(), sk.Name, sk.Namespace.String(), sk.Description, sk.Instructions,
		sk.UsageCount, sk.CreatedAt, sk.UpdatedAt)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_WRITE_FAILED, "failed to upsert skill", err)
	}
	return sk, nil
}

// ListSkills returns skills visible from ns, most used first.
func (s *Store) ListSkills(ctx context.Context, ns types.Namespace) ([]*Skill, error) {
	opts := SearchOptions{Namespace: &ns}
	nsClause, nsArgs := opts.namespaceClause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, namespace, description, instructions, usage_count, created_at, updated_at
		 FROM skills WHERE `+nsClause+` ORDER BY usage_count DESC, name ASC`, nsArgs...)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to list skills", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		var sk Skill
		var nsRaw string
		if err := rows.Scan(&sk.ID, &sk.Name, &nsRaw, &sk.Description, &sk.Instructions,
			&sk.UsageCount, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
			return nil, err
		}
		parsed, err := types.ParseNamespace(nsRaw)
		if err != nil {
			return nil, err
		}
		sk.Namespace = parsed
		skills = append(skills, &sk)
	}
	return skills, rows.Err()
}

// IncrementSkillUsage bumps a skill's usage counter.
func (s *Store) IncrementSkillUsage(ctx context.Context, id types.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id.String())
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to record skill usage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("skill %s not found", id))
	}
	return nil
}
