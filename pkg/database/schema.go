package database

import (
	"database/sql"
	"fmt"

	"github.com/cockroachdb/errors"
)

// SchemaValidator checks that the migrated schema is what the attachment
// store expects. Run after migrations at startup.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"channel_attachments", "schema_migrations"} {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return errors.Wrapf(err, "check table %s", table)
		}
		if !exists {
			return errors.Newf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	columns := map[string]string{
		"channel_id": "TEXT",
		"user_id":    "TEXT",
		"payload":    "TEXT",
		"created_at": "DATETIME",
	}
	if err := v.validateColumns("channel_attachments", columns); err != nil {
		return errors.Wrap(err, "channel_attachments table structure invalid")
	}
	return nil
}

// ValidateIndexes verifies that lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	exists, err := v.objectExists("index", "idx_channel_attachments_user")
	if err != nil {
		return errors.Wrap(err, "check index idx_channel_attachments_user")
	}
	if !exists {
		return errors.New("required index idx_channel_attachments_user does not exist")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return errors.Newf("column %s not found", col)
		}
		if got != typ {
			return errors.Newf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
