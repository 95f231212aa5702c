package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ndlib/vaultkeep/vaulterr"
)

// ScratchTable is a temporary per-operation table named with a random
// suffix, for the caller to drop on every exit path (spec.md 4.2). No
// other package in this module creates one: the restore planner and
// compaction query the catalog's own tables directly.
type ScratchTable struct {
	Name string
	tx   *Tx
}

func randomSuffix() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// NewScratchTable creates a table named baseName_<random> with the given
// column definitions (e.g. "path string, size int64") and returns a handle
// whose Drop must be deferred by the caller.
func (t *Tx) NewScratchTable(baseName, columns string) (*ScratchTable, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, vaulterr.New("catalog.NewScratchTable", vaulterr.Other, err)
	}
	name := fmt.Sprintf("%s_%s", baseName, suffix)
	if _, err := t.exec(fmt.Sprintf(`CREATE TABLE %s (%s)`, name, columns)); err != nil {
		return nil, vaulterr.New("catalog.NewScratchTable", vaulterr.DatabaseConsistency, err)
	}
	return &ScratchTable{Name: name, tx: t}, nil
}

// Drop removes the scratch table. Safe to call multiple times and safe to
// call even if the surrounding transaction is about to be rolled back -
// errors are swallowed since the table disappears with the transaction
// anyway on rollback, and on commit-then-drop the caller still wants
// cleanup to be best-effort (spec.md 4.2: "dropped on all exit paths").
func (s *ScratchTable) Drop() {
	if s == nil {
		return
	}
	_, _ = s.tx.exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.Name))
}

// Exec runs a statement against the scratch table's owning transaction,
// for convenience when populating/querying it.
func (s *ScratchTable) Exec(query string, args ...interface{}) error {
	_, err := s.tx.exec(query, args...)
	if err != nil {
		return vaulterr.New("catalog.ScratchTable.Exec", vaulterr.DatabaseConsistency, err)
	}
	return nil
}
