package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a batch merge into Table keyed on Key.
type Upsert struct {
	Table   string
	Columns []string
	// Key must be covered by a unique constraint on Table.
	Key []string
	// Update lists the columns overwritten on conflict. Nil means every
	// column outside Key; an empty non-nil slice keeps existing rows as
	// they are.
	Update []string
}

func (u Upsert) validate() error {
	if len(u.Columns) == 0 {
		return eris.Errorf("db: upsert %s: no columns", u.Table)
	}
	if len(u.Key) == 0 {
		return eris.Errorf("db: upsert %s: no key", u.Table)
	}
	for _, k := range u.Key {
		if !slices.Contains(u.Columns, k) {
			return eris.Errorf("db: upsert %s: key %q is not a column", u.Table, k)
		}
	}
	return nil
}

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	var out []string
	for _, c := range u.Columns {
		if !slices.Contains(u.Key, c) {
			out = append(out, c)
		}
	}
	return out
}

func (u Upsert) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

// mergeSQL moves the staged rows into the target table.
func (u Upsert) mergeSQL() string {
	cols := identList(u.Columns)
	onConflict := "DO NOTHING"
	if upd := u.updateColumns(); len(upd) > 0 {
		set := make([]string, len(upd))
		for i, c := range upd {
			id := pgx.Identifier{c}.Sanitize()
			set[i] = id + " = EXCLUDED." + id
		}
		onConflict = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		tableIdent(u.Table), cols, cols, pgx.Identifier{u.stagingTable()}.Sanitize(),
		identList(u.Key), onConflict)
}

// BulkUpsert COPYs rows into a transaction-scoped staging table and merges
// them into the target in one statement. It returns the rows inserted or
// updated.
func BulkUpsert(ctx context.Context, pool Pool, u Upsert, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := u.validate(); err != nil {
		return 0, err
	}

	staging := u.stagingTable()
	var affected int64
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
			pgx.Identifier{staging}.Sanitize(), tableIdent(u.Table))
		if _, err := tx.Exec(ctx, create); err != nil {
			return eris.Wrapf(err, "db: upsert %s: stage", u.Table)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, u.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert %s: copy", u.Table)
		}
		tag, err := tx.Exec(ctx, u.mergeSQL())
		if err != nil {
			return eris.Wrapf(err, "db: upsert %s: merge", u.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// tableIdent quotes an optionally schema-qualified table name.
func tableIdent(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
