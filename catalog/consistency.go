package catalog

import (
	"fmt"

	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/vaulterr"
)

// ConsistencyError describes a single invariant violation found by
// VerifyConsistency.
type ConsistencyError struct {
	Invariant int // 1-5 per spec.md 3; 8 flags the separate blocklist-usage
	// requirement from spec.md 4.1
	Detail string
}

func (e ConsistencyError) Error() string {
	return fmt.Sprintf("invariant %d violated: %s", e.Invariant, e.Detail)
}

// VerifyConsistency implements verify_consistency(blocksize, blockhash_size,
// strict) -> ok | error(kind) (spec.md 4.2): checks invariants 1-5 and the
// length accounting of every Blockset. A Blockset's full_hash is not
// recomputed, since block contents are not held in the catalog, and
// blockhashSize is not used. In non-strict mode it collects
// and returns every violation found; in strict mode it returns on the
// first one.
func (t *Tx) VerifyConsistency(blocksize int, blockhashSize int, strict bool) ([]ConsistencyError, error) {
	var errs []ConsistencyError

	report := func(inv int, detail string) error {
		errs = append(errs, ConsistencyError{Invariant: inv, Detail: detail})
		if strict {
			return vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency,
				fmt.Errorf("invariant %d: %s", inv, detail))
		}
		return nil
	}

	// Invariant 1: every BlocksetEntry.block_id references an existing
	// Block whose volume is live.
	rows, err := t.query(`SELECT be.blockset_id, be.block_id FROM blockset_entry be
		LEFT JOIN block b ON b.id = be.block_id WHERE b.id IS NULL`)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	for rows.Next() {
		var blocksetID, blockID int64
		_ = rows.Scan(&blocksetID, &blockID)
		if err := report(1, fmt.Sprintf("blockset %d entry references missing block %d", blocksetID, blockID)); err != nil {
			rows.Close()
			return errs, err
		}
	}
	rows.Close()

	rows, err = t.query(`SELECT b.id, b.volume_id FROM block b
		LEFT JOIN remote_volume v ON v.id = b.volume_id
		WHERE v.id IS NULL OR v.state NOT IN (?, ?, ?, ?, ?)`,
		string(StateUploaded), string(StateVerified), string(StateTemporary), string(StateUploading), string(StateDeleting))
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	for rows.Next() {
		var blockID, volumeID int64
		_ = rows.Scan(&blockID, &volumeID)
		if err := report(1, fmt.Sprintf("block %d references volume %d in an invalid state", blockID, volumeID)); err != nil {
			rows.Close()
			return errs, err
		}
	}
	rows.Close()

	// Invariant 2: exactly one RemoteVolume row per remote filename.
	rows, err = t.query(`SELECT name, COUNT(*) c FROM remote_volume GROUP BY name HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	for rows.Next() {
		var name string
		var c int
		_ = rows.Scan(&name, &c)
		if err := report(2, fmt.Sprintf("remote volume name %q has %d rows", name, c)); err != nil {
			rows.Close()
			return errs, err
		}
	}
	rows.Close()

	// Invariant 3: for any Fileset F, its dlist volume has type=Files and
	// is never Deleted/Deleting while F exists.
	rows, err = t.query(`SELECT f.id, v.id, v.type, v.state FROM fileset f
		LEFT JOIN remote_volume v ON v.id = f.volume_id`)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	for rows.Next() {
		var filesetID, volumeID int64
		var typ, state string
		_ = rows.Scan(&filesetID, &volumeID, &typ, &state)
		if typ != string(VolumeFiles) {
			if err := report(3, fmt.Sprintf("fileset %d's volume %d is not type Files", filesetID, volumeID)); err != nil {
				rows.Close()
				return errs, err
			}
		}
		if state == string(StateDeleted) || state == string(StateDeleting) {
			if err := report(3, fmt.Sprintf("fileset %d's volume %d is %s", filesetID, volumeID, state)); err != nil {
				rows.Close()
				return errs, err
			}
		}
	}
	rows.Close()

	// Invariant 4, length half: a Blockset's length equals the sum of its
	// block sizes. The full_hash half is not checked here.
	rows, err = t.query(`SELECT id, length FROM blockset`)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	type bs struct {
		id     int64
		length int64
	}
	var blocksets []bs
	for rows.Next() {
		var b bs
		_ = rows.Scan(&b.id, &b.length)
		blocksets = append(blocksets, b)
	}
	rows.Close()
	for _, b := range blocksets {
		var sum int64
		err := t.queryRow(`SELECT COALESCE(SUM(bl.size), 0) FROM blockset_entry be
			JOIN block bl ON bl.id = be.block_id WHERE be.blockset_id = ?`, b.id).Scan(&sum)
		if err != nil {
			return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
		}
		if sum != b.length {
			if err := report(4, fmt.Sprintf("blockset %d length %d != sum of block sizes %d", b.id, b.length, sum)); err != nil {
				return errs, err
			}
		}
	}

	// Blocklist usage (spec.md 4.1): a blockset spanning more than one
	// blocklist chunk must have a recorded blocklist chain, or repair (C7)
	// cannot reconstruct its block order from the dlist alone.
	perChunk := blockstore.Config{BlockSize: blocksize}.BlocksPerBlocklistChunk()
	rows, err = t.query(`SELECT be.blockset_id, COUNT(*) c FROM blockset_entry be GROUP BY be.blockset_id HAVING COUNT(*) > ?`, perChunk)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	var longBlocksets []int64
	for rows.Next() {
		var id int64
		var c int
		_ = rows.Scan(&id, &c)
		longBlocksets = append(longBlocksets, id)
	}
	rows.Close()
	for _, id := range longBlocksets {
		var n int
		if err := t.queryRow(`SELECT COUNT(*) FROM blocklist_hash WHERE blockset_id = ?`, id).Scan(&n); err != nil {
			return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
		}
		if n == 0 {
			if err := report(8, fmt.Sprintf("blockset %d spans more than %d blocks but has no blocklist chain", id, perChunk)); err != nil {
				return errs, err
			}
		}
	}

	// Invariant 5: DuplicateBlock never references a volume that no
	// longer exists.
	rows, err = t.query(`SELECT d.block_id, d.volume_id FROM duplicate_block d
		LEFT JOIN remote_volume v ON v.id = d.volume_id WHERE v.id IS NULL`)
	if err != nil {
		return nil, vaulterr.New("catalog.VerifyConsistency", vaulterr.DatabaseConsistency, err)
	}
	for rows.Next() {
		var blockID, volumeID int64
		_ = rows.Scan(&blockID, &volumeID)
		if err := report(5, fmt.Sprintf("duplicate_block for block %d references nonexistent volume %d", blockID, volumeID)); err != nil {
			rows.Close()
			return errs, err
		}
	}
	rows.Close()

	return errs, nil
}
