package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

// RevertDBChange undoes one recorded change against an allow-listed table:
// an insert is deleted, an update restores the before image, a delete is
// re-inserted from the before image.
func (s *Store) RevertDBChange(ctx context.Context, c checkpoint.DBChange) error {
	if !s.revertTables[c.Table] {
		return fmt.Errorf("revert %s on %q: table not revertable: %w", c.Operation, c.Table, domain.ErrValidation)
	}
	if c.KeyColumn == "" {
		return fmt.Errorf("revert %s on %q: key column required: %w", c.Operation, c.Table, domain.ErrValidation)
	}
	table := pgx.Identifier{c.Table}.Sanitize()
	key := pgx.Identifier{c.KeyColumn}.Sanitize()

	cols := make([]string, 0, len(c.Before))
	for col := range c.Before {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var (
		query string
		args  []any
	)
	switch c.Operation {
	case "insert":
		query = fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, key)
		args = []any{c.Key}
	case "update":
		if len(cols) == 0 {
			return fmt.Errorf("revert update on %q: empty before image: %w", c.Table, domain.ErrValidation)
		}
		sets := make([]string, len(cols))
		for i, col := range cols {
			sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
			args = append(args, c.Before[col])
		}
		args = append(args, c.Key)
		query = fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`, table, strings.Join(sets, ", "), key, len(args))
	case "delete":
		if len(cols) == 0 {
			return fmt.Errorf("revert delete on %q: empty before image: %w", c.Table, domain.ErrValidation)
		}
		names := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, col := range cols {
			names[i] = pgx.Identifier{col}.Sanitize()
			marks[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, c.Before[col])
		}
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
			table, strings.Join(names, ", "), strings.Join(marks, ", "))
	default:
		return fmt.Errorf("revert: unknown operation %q: %w", c.Operation, domain.ErrValidation)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("revert %s on %s: %w", c.Operation, c.Table, err)
	}
	return nil
}
