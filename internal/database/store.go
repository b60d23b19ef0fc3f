package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// ForeignKey is a dependency of one table on another
type ForeignKey struct {
	Table      string `gorm:"column:table_name"`
	References string `gorm:"column:referenced_table"`
}

func (d *Database) conn(ctx context.Context) (*gorm.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return d.db.WithContext(ctx), nil
}

// FetchPage reads one window of rows ordered by orderBy
func (d *Database) FetchPage(ctx context.Context, table, orderBy string, offset, limit int) ([]models.Row, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.Table(table).
		Order(clause.OrderByColumn{Column: clause.Column{Name: orderBy}}).
		Limit(limit).
		Offset(offset).
		Rows()
	if err != nil {
		return nil, utils.WrapDatabaseError("select "+table, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, utils.WrapDatabaseError("scan "+table, err)
	}
	return result, nil
}

// Count returns the number of rows in a table
func (d *Database) Count(ctx context.Context, table string) (int64, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.Table(table).Count(&n).Error; err != nil {
		return 0, utils.WrapDatabaseError("count "+table, err)
	}
	return n, nil
}

// Upsert writes rows in one statement, updating every non-key column of rows
// whose conflict column already exists
func (d *Database) Upsert(ctx context.Context, table string, rows []models.Row, conflictColumn string) error {
	values, columns, err := toMaps(rows)
	if err != nil {
		return err
	}

	var updates []string
	for _, col := range columns {
		if col != conflictColumn {
			updates = append(updates, col)
		}
	}
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: conflictColumn}}}
	if len(updates) == 0 {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(updates)
	}

	return d.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(table).Clauses(onConflict).Create(&values).Error; err != nil {
			return utils.WrapDatabaseError("upsert "+table, err)
		}
		return nil
	})
}

// Insert writes rows in one statement without conflict handling
func (d *Database) Insert(ctx context.Context, table string, rows []models.Row) error {
	values, _, err := toMaps(rows)
	if err != nil {
		return err
	}

	return d.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(table).Create(&values).Error; err != nil {
			return utils.WrapDatabaseError("insert "+table, err)
		}
		return nil
	})
}

// ExecSQL runs a raw statement
func (d *Database) ExecSQL(ctx context.Context, query string) error {
	if err := d.Exec(ctx, query); err != nil {
		return utils.WrapDatabaseError("exec", err)
	}
	return nil
}

// ForeignKeys lists the table-level dependencies of the public schema
func (d *Database) ForeignKeys(ctx context.Context) ([]ForeignKey, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}

	var keys []ForeignKey
	if db.Dialector.Name() == "sqlite" {
		err = db.Raw(`
			SELECT m.name AS table_name, p."table" AS referenced_table
			FROM sqlite_master m
			JOIN pragma_foreign_key_list(m.name) p
			WHERE m.type = 'table'
			ORDER BY m.name, p."table"
		`).Scan(&keys).Error
	} else {
		err = db.Raw(`
			SELECT DISTINCT tc.table_name AS table_name, ccu.table_name AS referenced_table
			FROM information_schema.table_constraints tc
			JOIN information_schema.constraint_column_usage ccu
				ON tc.constraint_name = ccu.constraint_name
				AND tc.table_schema = ccu.table_schema
			WHERE tc.constraint_type = 'FOREIGN KEY'
				AND tc.table_schema = 'public'
			ORDER BY table_name, referenced_table
		`).Scan(&keys).Error
	}
	if err != nil {
		return nil, utils.WrapDatabaseError("list foreign keys", err)
	}
	return keys, nil
}

// toMaps converts rows into same-shaped column maps; cells a row lacks are NULL
func toMaps(rows []models.Row) ([]map[string]interface{}, []string, error) {
	columns := models.ColumnUnion(rows)
	values := make([]map[string]interface{}, 0, len(rows))
	for i, row := range rows {
		m, err := row.Map()
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		for _, col := range columns {
			if _, ok := m[col]; !ok {
				m[col] = nil
			}
		}
		values = append(values, m)
	}
	return values, columns, nil
}

func scanRows(rows *sql.Rows) ([]models.Row, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	result := []models.Row{}
	for rows.Next() {
		cells := make([]interface{}, len(types))
		ptrs := make([]interface{}, len(types))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(models.Row, len(types))
		for i, ct := range types {
			v, err := cellValue(ct.DatabaseTypeName(), cells[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", ct.Name(), err)
			}
			row[ct.Name()] = v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// cellValue converts a scanned cell using its column type, so json and
// numeric columns the driver returns as text keep their kind
func cellValue(typeName string, cell interface{}) (models.Value, error) {
	var text string
	switch c := cell.(type) {
	case string:
		text = c
	case []byte:
		text = string(c)
	default:
		return models.FromAny(cell)
	}

	switch strings.ToUpper(typeName) {
	case "JSON", "JSONB":
		if json.Valid([]byte(text)) {
			var v models.Value
			err := v.UnmarshalJSON([]byte(text))
			return v, err
		}
	case "NUMERIC", "DECIMAL":
		return models.Number(json.Number(text)), nil
	}
	return models.FromAny(cell)
}
