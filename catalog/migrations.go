package catalog

import (
	"github.com/ndlib/vaultkeep/vaulterr"
)

// migration is one forward-only schema step, applied in order and tracked
// in the catalog_version table. Grounded on server/db_mysql.go's
// mysqlMigrations list / dbVersion struct, generalized to be shared across
// both supported backends instead of MySQL-only.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS remote_volume (
				id int,
				name string,
				type string,
				state string,
				size int64,
				hash string,
				delete_grace_until time
			)`,
			`CREATE TABLE IF NOT EXISTS block (
				id int,
				hash string,
				size int64,
				volume_id int
			)`,
			`CREATE TABLE IF NOT EXISTS blockset (
				id int,
				length int64,
				full_hash string
			)`,
			`CREATE TABLE IF NOT EXISTS blockset_entry (
				blockset_id int,
				idx int,
				block_id int
			)`,
			`CREATE TABLE IF NOT EXISTS blocklist_hash (
				blockset_id int,
				idx int,
				hash string
			)`,
			`CREATE TABLE IF NOT EXISTS metadataset (
				id int,
				blockset_id int
			)`,
			`CREATE TABLE IF NOT EXISTS prefix (
				id int,
				value string
			)`,
			`CREATE TABLE IF NOT EXISTS file_lookup (
				id int,
				prefix_id int,
				path string,
				blockset_id int,
				metadata_id int
			)`,
			`CREATE TABLE IF NOT EXISTS fileset (
				id int,
				timestamp int64,
				volume_id int,
				is_full_backup bool,
				is_partial bool
			)`,
			`CREATE TABLE IF NOT EXISTS fileset_entry (
				fileset_id int,
				file_id int,
				last_modified int64
			)`,
			`CREATE TABLE IF NOT EXISTS index_block_link (
				index_volume_id int,
				block_volume_id int
			)`,
			`CREATE TABLE IF NOT EXISTS duplicate_block (
				block_id int,
				volume_id int
			)`,
			`CREATE TABLE IF NOT EXISTS deleted_block (
				hash string,
				size int64,
				volume_id int
			)`,
			`CREATE TABLE IF NOT EXISTS change_journal_data (
				fileset_id int,
				volume string,
				journal_id string,
				next_usn int64,
				config_hash string
			)`,
			`CREATE TABLE IF NOT EXISTS catalog_config (
				block_size int,
				block_hash_algorithm string,
				file_hash_algorithm string,
				partially_recreated bool
			)`,
		},
	},
	{
		// indexes are a separate version so a from-scratch catalog and an
		// upgraded one converge on the same structure, mirroring the
		// teacher's one-migration-per-change discipline.
		version: 2,
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS block_hashsize ON block (hash, size)`,
			`CREATE INDEX IF NOT EXISTS block_volume ON block (volume_id)`,
			`CREATE INDEX IF NOT EXISTS fileset_timestamp ON fileset (timestamp)`,
			`CREATE INDEX IF NOT EXISTS file_lookup_path ON file_lookup (prefix_id, path)`,
			`CREATE INDEX IF NOT EXISTS remote_volume_name ON remote_volume (name)`,
			`CREATE INDEX IF NOT EXISTS deleted_block_volume ON deleted_block (volume_id)`,
		},
	},
}

func (c *Catalog) migrate() error {
	tx, err := c.db.Begin()
	if err != nil {
		return vaulterr.New("catalog.migrate", vaulterr.Transient, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS catalog_version (version int)`); err != nil {
		return vaulterr.New("catalog.migrate", vaulterr.DatabaseConsistency, err)
	}

	current := 0
	row := tx.QueryRow(`SELECT version FROM catalog_version LIMIT 1`)
	_ = row.Scan(&current) // ignore "no rows" - current stays 0

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return vaulterr.New("catalog.migrate", vaulterr.DatabaseConsistency, err)
			}
		}
		current = m.version
	}

	if _, err := tx.Exec(`DELETE FROM catalog_version`); err != nil {
		return vaulterr.New("catalog.migrate", vaulterr.DatabaseConsistency, err)
	}
	if _, err := tx.Exec(c.rebind(`INSERT INTO catalog_version VALUES (?)`), current); err != nil {
		return vaulterr.New("catalog.migrate", vaulterr.DatabaseConsistency, err)
	}

	if err := tx.Commit(); err != nil {
		return vaulterr.New("catalog.migrate", vaulterr.DatabaseConsistency, err)
	}
	return nil
}
