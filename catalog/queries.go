package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ndlib/vaultkeep/vaulterr"
)

// maxTimestampRetries bounds the add-1s-until-unique loop for invariant 7
// (spec.md 3: "bounded retry, <=100").
const maxTimestampRetries = 100

// nextID returns MAX(id)+1 for table, inside tx. IDs are surrogate keys
// managed by the application rather than by a driver-specific autoincrement,
// so the same logic works against both supported backends.
func (t *Tx) nextID(table string) (int64, error) {
	var max sql.NullInt64
	row := t.tx.QueryRow(fmt.Sprintf(`SELECT MAX(id) FROM %s`, table))
	if err := row.Scan(&max); err != nil && err != sql.ErrNoRows {
		return 0, vaulterr.New("catalog.nextID", vaulterr.DatabaseConsistency, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func (t *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(t.cat.rebind(query), args...)
}

func (t *Tx) queryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(t.cat.rebind(query), args...)
}

func (t *Tx) query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(t.cat.rebind(query), args...)
}

// RegisterBlock implements register_block(hash, size) -> (block_id, is_new)
// (spec.md 4.2): idempotent, binding any new block to volumeID, the
// currently open Blocks volume.
func (t *Tx) RegisterBlock(hash string, size int64, volumeID int64) (int64, bool, error) {
	var id int64
	err := t.queryRow(`SELECT id FROM block WHERE hash = ? AND size = ?`, hash, size).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, vaulterr.New("catalog.RegisterBlock", vaulterr.DatabaseConsistency, err)
	}

	id, err = t.nextID("block")
	if err != nil {
		return 0, false, err
	}
	if _, err := t.exec(`INSERT INTO block VALUES (?, ?, ?, ?)`, id, hash, size, volumeID); err != nil {
		return 0, false, vaulterr.New("catalog.RegisterBlock", vaulterr.DatabaseConsistency, err)
	}
	return id, true, nil
}

// RegisterBlockset implements register_blockset(full_hash, length,
// block_ids[]) -> blockset_id (spec.md 4.2): idempotent by (full_hash,
// length, ordered block contents).
func (t *Tx) RegisterBlockset(fullHash string, length int64, blockIDs []int64) (int64, error) {
	rows, err := t.query(`SELECT id FROM blockset WHERE full_hash = ? AND length = ?`, fullHash, length)
	if err != nil {
		return 0, vaulterr.New("catalog.RegisterBlockset", vaulterr.DatabaseConsistency, err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, vaulterr.New("catalog.RegisterBlockset", vaulterr.DatabaseConsistency, err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	for _, id := range candidates {
		same, err := t.blocksetMatches(id, blockIDs)
		if err != nil {
			return 0, err
		}
		if same {
			return id, nil
		}
	}

	id, err := t.nextID("blockset")
	if err != nil {
		return 0, err
	}
	if _, err := t.exec(`INSERT INTO blockset VALUES (?, ?, ?)`, id, length, fullHash); err != nil {
		return 0, vaulterr.New("catalog.RegisterBlockset", vaulterr.DatabaseConsistency, err)
	}
	for idx, blockID := range blockIDs {
		if _, err := t.exec(`INSERT INTO blockset_entry VALUES (?, ?, ?)`, id, idx, blockID); err != nil {
			return 0, vaulterr.New("catalog.RegisterBlockset", vaulterr.DatabaseConsistency, err)
		}
	}
	return id, nil
}

// GetBlockset reads back a Blockset row by id.
func (t *Tx) GetBlockset(id int64) (*Blockset, error) {
	row := t.queryRow(`SELECT id, length, full_hash FROM blockset WHERE id = ?`, id)
	var b Blockset
	if err := row.Scan(&b.ID, &b.Length, &b.FullHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, vaulterr.New("catalog.GetBlockset", vaulterr.DatabaseConsistency, err)
	}
	return &b, nil
}

func (t *Tx) blocksetMatches(blocksetID int64, blockIDs []int64) (bool, error) {
	existing, err := t.BlocksetEntries(blocksetID)
	if err != nil {
		return false, err
	}
	if len(existing) != len(blockIDs) {
		return false, nil
	}
	for i, e := range existing {
		if e.BlockID != blockIDs[i] {
			return false, nil
		}
	}
	return true, nil
}

// BlocksetEntries returns the ordered blocks of a blockset.
func (t *Tx) BlocksetEntries(blocksetID int64) ([]BlocksetEntry, error) {
	rows, err := t.query(`SELECT blockset_id, idx, block_id FROM blockset_entry WHERE blockset_id = ? ORDER BY idx`, blocksetID)
	if err != nil {
		return nil, vaulterr.New("catalog.BlocksetEntries", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []BlocksetEntry
	for rows.Next() {
		var e BlocksetEntry
		if err := rows.Scan(&e.BlocksetID, &e.Index, &e.BlockID); err != nil {
			return nil, vaulterr.New("catalog.BlocksetEntries", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetBlock reads back a single Block row by id, so a restore can resolve
// a BlocksetEntry's block_id to the (hash, volume) pair it needs in order
// to find the block's payload (spec.md 4.5).
func (t *Tx) GetBlock(id int64) (*Block, error) {
	row := t.queryRow(`SELECT id, hash, size, volume_id FROM block WHERE id = ?`, id)
	var b Block
	if err := row.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, vaulterr.New("catalog.GetBlock", vaulterr.DatabaseConsistency, err)
	}
	return &b, nil
}

// GetBlockByHash looks up a block by content hash alone, for callers (e.g.
// repair) that know a block's hash from a blocklist chain or dlist entry
// but not its recorded size; hash is a content digest, so in practice a
// given hash always corresponds to exactly one size.
func (t *Tx) GetBlockByHash(hash string) (*Block, error) {
	row := t.queryRow(`SELECT id, hash, size, volume_id FROM block WHERE hash = ?`, hash)
	var b Block
	if err := row.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, vaulterr.New("catalog.GetBlockByHash", vaulterr.DatabaseConsistency, err)
	}
	return &b, nil
}

// BlocklistHashes reads back a blockset's blocklist-hash chain in index
// order, used to re-derive which block spans a long blockset.
func (t *Tx) BlocklistHashes(blocksetID int64) ([]BlocklistHash, error) {
	rows, err := t.query(`SELECT blockset_id, idx, hash FROM blocklist_hash WHERE blockset_id = ? ORDER BY idx`, blocksetID)
	if err != nil {
		return nil, vaulterr.New("catalog.BlocklistHashes", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []BlocklistHash
	for rows.Next() {
		var h BlocklistHash
		if err := rows.Scan(&h.BlocksetID, &h.Index, &h.Hash); err != nil {
			return nil, vaulterr.New("catalog.BlocklistHashes", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// GetMetadataset reads back a Metadataset row by id.
func (t *Tx) GetMetadataset(id int64) (*Metadataset, error) {
	row := t.queryRow(`SELECT id, blockset_id FROM metadataset WHERE id = ?`, id)
	var m Metadataset
	if err := row.Scan(&m.ID, &m.BlocksetID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, vaulterr.New("catalog.GetMetadataset", vaulterr.DatabaseConsistency, err)
	}
	return &m, nil
}

// AddBlocklistHash records a blocklist-hash entry for a blockset chunk.
func (t *Tx) AddBlocklistHash(blocksetID int64, index int, hash string) error {
	if _, err := t.exec(`INSERT INTO blocklist_hash VALUES (?, ?, ?)`, blocksetID, index, hash); err != nil {
		return vaulterr.New("catalog.AddBlocklistHash", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// CreateMetadataset creates a Metadataset row pointing at blocksetID.
func (t *Tx) CreateMetadataset(blocksetID int64) (int64, error) {
	id, err := t.nextID("metadataset")
	if err != nil {
		return 0, err
	}
	if _, err := t.exec(`INSERT INTO metadataset VALUES (?, ?)`, id, blocksetID); err != nil {
		return 0, vaulterr.New("catalog.CreateMetadataset", vaulterr.DatabaseConsistency, err)
	}
	return id, nil
}

// internPrefix returns the id of prefix, inserting it if not already present.
func (t *Tx) internPrefix(prefix string) (int64, error) {
	var id int64
	err := t.queryRow(`SELECT id FROM prefix WHERE value = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, vaulterr.New("catalog.internPrefix", vaulterr.DatabaseConsistency, err)
	}
	id, err = t.nextID("prefix")
	if err != nil {
		return 0, err
	}
	if _, err := t.exec(`INSERT INTO prefix VALUES (?, ?)`, id, prefix); err != nil {
		return 0, vaulterr.New("catalog.internPrefix", vaulterr.DatabaseConsistency, err)
	}
	return id, nil
}

func splitPrefix(path string) (prefix, base string) {
	idx := strings.LastIndexAny(path, "/\\")
	if idx < 0 {
		return "", path
	}
	return path[:idx+1], path[idx+1:]
}

// RegisterFile is an insert-once lookup/create of a FileLookup row for
// path, bound to blocksetID and metadataID (spec.md 4.2's add_file
// ultimately resolves to one of these, interned by prefix).
func (t *Tx) RegisterFile(path string, blocksetID, metadataID int64) (int64, error) {
	prefix, _ := splitPrefix(path)
	prefixID, err := t.internPrefix(prefix)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.queryRow(`SELECT id FROM file_lookup WHERE prefix_id = ? AND path = ? AND blockset_id = ? AND metadata_id = ?`,
		prefixID, path, blocksetID, metadataID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, vaulterr.New("catalog.RegisterFile", vaulterr.DatabaseConsistency, err)
	}
	id, err = t.nextID("file_lookup")
	if err != nil {
		return 0, err
	}
	if _, err := t.exec(`INSERT INTO file_lookup VALUES (?, ?, ?, ?, ?)`, id, prefixID, path, blocksetID, metadataID); err != nil {
		return 0, vaulterr.New("catalog.RegisterFile", vaulterr.DatabaseConsistency, err)
	}
	return id, nil
}

// CreateFileset implements create_fileset(volume_id, timestamp, is_full) ->
// fileset_id, enforcing invariant 7: at most one fileset per timestamp
// (second resolution), resolved by incrementing by 1s up to
// maxTimestampRetries times before failing hard (spec.md 3, Open Questions).
func (t *Tx) CreateFileset(volumeID int64, timestamp int64, isFull bool) (int64, error) {
	ts := timestamp
	for attempt := 0; attempt < maxTimestampRetries; attempt++ {
		var exists int64
		err := t.queryRow(`SELECT COUNT(*) FROM fileset WHERE timestamp = ?`, ts).Scan(&exists)
		if err != nil {
			return 0, vaulterr.New("catalog.CreateFileset", vaulterr.DatabaseConsistency, err)
		}
		if exists == 0 {
			id, err := t.nextID("fileset")
			if err != nil {
				return 0, err
			}
			if _, err := t.exec(`INSERT INTO fileset VALUES (?, ?, ?, ?, ?)`, id, ts, volumeID, isFull, false); err != nil {
				return 0, vaulterr.New("catalog.CreateFileset", vaulterr.DatabaseConsistency, err)
			}
			return id, nil
		}
		ts++
	}
	return 0, vaulterr.New("catalog.CreateFileset", vaulterr.DatabaseConsistency,
		fmt.Errorf("could not find a free timestamp within %d seconds of %d", maxTimestampRetries, timestamp))
}

// MarkFilesetPartial flags a fileset as a PartialBackup (spec.md 4.4
// cancellation semantics).
func (t *Tx) MarkFilesetPartial(filesetID int64) error {
	if _, err := t.exec(`UPDATE fileset SET is_partial = ? WHERE id = ?`, true, filesetID); err != nil {
		return vaulterr.New("catalog.MarkFilesetPartial", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// SetFilesetVolume records which Files (dlist) volume carries a fileset's
// manifest, once that volume has been assembled and uploaded (spec.md
// 4.4: "the dlist ... is uploaded last").
func (t *Tx) SetFilesetVolume(filesetID, volumeID int64) error {
	if _, err := t.exec(`UPDATE fileset SET volume_id = ? WHERE id = ?`, volumeID, filesetID); err != nil {
		return vaulterr.New("catalog.SetFilesetVolume", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// AddFile implements add_file(fileset_id, path, blockset_id|sentinel,
// metadata_id, last_modified) (spec.md 4.2).
func (t *Tx) AddFile(filesetID int64, path string, blocksetID, metadataID int64, lastModified int64) error {
	fileID, err := t.RegisterFile(path, blocksetID, metadataID)
	if err != nil {
		return err
	}
	if _, err := t.exec(`INSERT INTO fileset_entry VALUES (?, ?, ?)`, filesetID, fileID, lastModified); err != nil {
		return vaulterr.New("catalog.AddFile", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// FilesetContents returns every FilesetEntry belonging to filesetID
// together with the FileLookup rows they reference, for use by the
// backup pipeline's previous-fileset comparison and by restore planning.
func (t *Tx) FilesetContents(filesetID int64) ([]FilesetEntry, []FileLookup, error) {
	rows, err := t.query(`SELECT fe.file_id, fe.last_modified, fl.id, fl.prefix_id, fl.path, fl.blockset_id, fl.metadata_id
		FROM fileset_entry fe JOIN file_lookup fl ON fl.id = fe.file_id
		WHERE fe.fileset_id = ?`, filesetID)
	if err != nil {
		return nil, nil, vaulterr.New("catalog.FilesetContents", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var entries []FilesetEntry
	var files []FileLookup
	for rows.Next() {
		var e FilesetEntry
		var f FileLookup
		if err := rows.Scan(&e.FileID, &e.LastModified, &f.ID, &f.PrefixID, &f.Path, &f.BlocksetID, &f.MetadataID); err != nil {
			return nil, nil, vaulterr.New("catalog.FilesetContents", vaulterr.DatabaseConsistency, err)
		}
		e.FilesetID = filesetID
		files = append(files, f)
		entries = append(entries, e)
	}
	return entries, files, nil
}

// DeleteFilesetEntries removes every FilesetEntry belonging to filesetID,
// the first step of retiring a fileset (spec.md 4.6).
func (t *Tx) DeleteFilesetEntries(filesetID int64) error {
	if _, err := t.exec(`DELETE FROM fileset_entry WHERE fileset_id = ?`, filesetID); err != nil {
		return vaulterr.New("catalog.DeleteFilesetEntries", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DeleteFileset removes a Fileset row. Callers must remove its
// FilesetEntry rows first (DeleteFilesetEntries).
func (t *Tx) DeleteFileset(filesetID int64) error {
	if _, err := t.exec(`DELETE FROM fileset WHERE id = ?`, filesetID); err != nil {
		return vaulterr.New("catalog.DeleteFileset", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// IsFileReferenced reports whether any FilesetEntry still references
// fileID, used to decide whether a FileLookup row (and the blockset and
// metadataset it names) can be garbage collected once a fileset is
// retired.
func (t *Tx) IsFileReferenced(fileID int64) (bool, error) {
	var n int64
	if err := t.queryRow(`SELECT COUNT(*) FROM fileset_entry WHERE file_id = ?`, fileID).Scan(&n); err != nil {
		return false, vaulterr.New("catalog.IsFileReferenced", vaulterr.DatabaseConsistency, err)
	}
	return n > 0, nil
}

// DeleteFileLookup removes a FileLookup row.
func (t *Tx) DeleteFileLookup(fileID int64) error {
	if _, err := t.exec(`DELETE FROM file_lookup WHERE id = ?`, fileID); err != nil {
		return vaulterr.New("catalog.DeleteFileLookup", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// CountFileLookupsForBlockset counts how many live FileLookup rows still
// point at blocksetID as their content.
func (t *Tx) CountFileLookupsForBlockset(blocksetID int64) (int64, error) {
	var n int64
	if err := t.queryRow(`SELECT COUNT(*) FROM file_lookup WHERE blockset_id = ?`, blocksetID).Scan(&n); err != nil {
		return 0, vaulterr.New("catalog.CountFileLookupsForBlockset", vaulterr.DatabaseConsistency, err)
	}
	return n, nil
}

// CountFileLookupsForMetadataset counts how many live FileLookup rows
// still point at metadataID.
func (t *Tx) CountFileLookupsForMetadataset(metadataID int64) (int64, error) {
	var n int64
	if err := t.queryRow(`SELECT COUNT(*) FROM file_lookup WHERE metadata_id = ?`, metadataID).Scan(&n); err != nil {
		return 0, vaulterr.New("catalog.CountFileLookupsForMetadataset", vaulterr.DatabaseConsistency, err)
	}
	return n, nil
}

// DeleteMetadataset removes a Metadataset row.
func (t *Tx) DeleteMetadataset(id int64) error {
	if _, err := t.exec(`DELETE FROM metadataset WHERE id = ?`, id); err != nil {
		return vaulterr.New("catalog.DeleteMetadataset", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DeleteBlocksetEntries removes every BlocksetEntry and BlocklistHash
// belonging to blocksetID, the structural half of retiring an unreferenced
// blockset.
func (t *Tx) DeleteBlocksetEntries(blocksetID int64) error {
	if _, err := t.exec(`DELETE FROM blockset_entry WHERE blockset_id = ?`, blocksetID); err != nil {
		return vaulterr.New("catalog.DeleteBlocksetEntries", vaulterr.DatabaseConsistency, err)
	}
	if _, err := t.exec(`DELETE FROM blocklist_hash WHERE blockset_id = ?`, blocksetID); err != nil {
		return vaulterr.New("catalog.DeleteBlocksetEntries", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DeleteBlockset removes a Blockset row. Callers must remove its
// BlocksetEntry/BlocklistHash rows first (DeleteBlocksetEntries).
func (t *Tx) DeleteBlockset(blocksetID int64) error {
	if _, err := t.exec(`DELETE FROM blockset WHERE id = ?`, blocksetID); err != nil {
		return vaulterr.New("catalog.DeleteBlockset", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DeleteBlock removes a Block row once RecordDeletedBlock has captured
// its accounting entry and nothing references it any longer.
func (t *Tx) DeleteBlock(blockID int64) error {
	if _, err := t.exec(`DELETE FROM block WHERE id = ?`, blockID); err != nil {
		return vaulterr.New("catalog.DeleteBlock", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// ListFilesets implements list_filesets() -> descending by timestamp.
func (t *Tx) ListFilesets() ([]Fileset, error) {
	rows, err := t.query(`SELECT id, timestamp, volume_id, is_full_backup, is_partial FROM fileset ORDER BY timestamp DESC`)
	if err != nil {
		return nil, vaulterr.New("catalog.ListFilesets", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []Fileset
	for rows.Next() {
		var f Fileset
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.VolumeID, &f.IsFullBackup, &f.IsPartial); err != nil {
			return nil, vaulterr.New("catalog.ListFilesets", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// FindLastIncompleteFilesetVolume implements
// find_last_incomplete_fileset_volume() -> Option<RemoteVolume>: the most
// recent Temporary/Uploading Files volume, used to resume interrupted
// backups (spec.md 4.2).
func (t *Tx) FindLastIncompleteFilesetVolume() (*RemoteVolume, error) {
	row := t.queryRow(`SELECT id, name, type, state, size, hash, delete_grace_until
		FROM remote_volume
		WHERE type = ? AND (state = ? OR state = ?)
		ORDER BY id DESC
		LIMIT 1`, string(VolumeFiles), string(StateTemporary), string(StateUploading))
	v, err := scanVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.New("catalog.FindLastIncompleteFilesetVolume", vaulterr.DatabaseConsistency, err)
	}
	return v, nil
}

func scanVolume(row *sql.Row) (*RemoteVolume, error) {
	var v RemoteVolume
	var typ, state string
	var hash sql.NullString
	var grace sql.NullTime
	err := row.Scan(&v.ID, &v.Name, &typ, &state, &v.Size, &hash, &grace)
	if err != nil {
		return nil, err
	}
	v.Type = RemoteVolumeType(typ)
	v.State = VolumeState(state)
	v.Hash = hash.String
	if grace.Valid {
		v.DeleteGraceUntil = grace.Time
	}
	return &v, nil
}

// ChangeStats holds the counts produced by change_statistics, split into
// files/folders/symlinks per spec.md 4.2.
type ChangeStats struct {
	AddedFiles, AddedFolders, AddedSymlinks       int
	DeletedFiles, DeletedFolders, DeletedSymlinks int
	ModifiedFiles, ModifiedFolders, ModifiedSymlinks int
}

type fileRow struct {
	path       string
	blocksetID int64
	metaHash   string
}

// ChangeStatistics implements change_statistics(current_fileset,
// previous_fileset) per spec.md 4.2's set-algebra definition.
func (t *Tx) ChangeStatistics(currentFileset, previousFileset int64) (ChangeStats, error) {
	cur, err := t.filesetRows(currentFileset)
	if err != nil {
		return ChangeStats{}, err
	}
	prev, err := t.filesetRows(previousFileset)
	if err != nil {
		return ChangeStats{}, err
	}

	var stats ChangeStats
	for path, c := range cur {
		p, ok := prev[path]
		typ := TypeOf(c.blocksetID)
		if !ok {
			addType(&stats, typ, 1, 0, 0)
			continue
		}
		var changed bool
		if typ == TypeFile {
			changed = c.blocksetID != p.blocksetID || c.metaHash != p.metaHash
		} else {
			changed = c.metaHash != p.metaHash
		}
		if changed {
			addType(&stats, typ, 0, 0, 1)
		}
	}
	for path, p := range prev {
		if _, ok := cur[path]; !ok {
			addType(&stats, TypeOf(p.blocksetID), 0, 1, 0)
		}
	}
	return stats, nil
}

func addType(s *ChangeStats, typ FileType, added, deleted, modified int) {
	switch typ {
	case TypeFolder:
		s.AddedFolders += added
		s.DeletedFolders += deleted
		s.ModifiedFolders += modified
	case TypeSymlink:
		s.AddedSymlinks += added
		s.DeletedSymlinks += deleted
		s.ModifiedSymlinks += modified
	default:
		s.AddedFiles += added
		s.DeletedFiles += deleted
		s.ModifiedFiles += modified
	}
}

func (t *Tx) filesetRows(filesetID int64) (map[string]fileRow, error) {
	rows, err := t.query(`SELECT fl.path, fl.blockset_id, COALESCE(m.blockset_id, -2)
		FROM fileset_entry fe
		JOIN file_lookup fl ON fl.id = fe.file_id
		LEFT JOIN metadataset m ON m.id = fl.metadata_id
		WHERE fe.fileset_id = ?`, filesetID)
	if err != nil {
		return nil, vaulterr.New("catalog.filesetRows", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	out := make(map[string]fileRow)
	for rows.Next() {
		var path, metaHash string
		var blocksetID, metaBlocksetID int64
		if err := rows.Scan(&path, &blocksetID, &metaBlocksetID); err != nil {
			return nil, vaulterr.New("catalog.filesetRows", vaulterr.DatabaseConsistency, err)
		}
		metaHash = fmt.Sprintf("%d", metaBlocksetID)
		out[path] = fileRow{path: path, blocksetID: blocksetID, metaHash: metaHash}
	}
	return out, nil
}

// --- Remote volume bookkeeping (serves C3) ---

// CreateRemoteVolume implements invariant 2: exactly one RemoteVolume row
// per remote filename.
func (t *Tx) CreateRemoteVolume(name string, typ RemoteVolumeType) (int64, error) {
	var existing int64
	err := t.queryRow(`SELECT COUNT(*) FROM remote_volume WHERE name = ?`, name).Scan(&existing)
	if err != nil {
		return 0, vaulterr.New("catalog.CreateRemoteVolume", vaulterr.DatabaseConsistency, err)
	}
	if existing > 0 {
		return 0, vaulterr.New("catalog.CreateRemoteVolume", vaulterr.DatabaseConsistency,
			fmt.Errorf("remote volume %q already exists", name))
	}
	id, err := t.nextID("remote_volume")
	if err != nil {
		return 0, err
	}
	if _, err := t.exec(`INSERT INTO remote_volume VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, string(typ), string(StateTemporary), int64(0), "", time.Time{}); err != nil {
		return 0, vaulterr.New("catalog.CreateRemoteVolume", vaulterr.DatabaseConsistency, err)
	}
	return id, nil
}

// SetVolumeState transitions a volume's state (C3's state machine).
func (t *Tx) SetVolumeState(id int64, state VolumeState) error {
	if _, err := t.exec(`UPDATE remote_volume SET state = ? WHERE id = ?`, string(state), id); err != nil {
		return vaulterr.New("catalog.SetVolumeState", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// FinalizeVolume records the final size/hash once a volume is closed,
// per spec.md 3: "Hash and size are recorded only after the volume is
// finalized."
func (t *Tx) FinalizeVolume(id int64, size int64, hash string) error {
	if _, err := t.exec(`UPDATE remote_volume SET size = ?, hash = ? WHERE id = ?`, size, hash, id); err != nil {
		return vaulterr.New("catalog.FinalizeVolume", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// SetVolumeDeleteGrace records when a Deleting volume's grace window ends.
func (t *Tx) SetVolumeDeleteGrace(id int64, until time.Time) error {
	if _, err := t.exec(`UPDATE remote_volume SET delete_grace_until = ? WHERE id = ?`, until, id); err != nil {
		return vaulterr.New("catalog.SetVolumeDeleteGrace", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// GetVolume fetches a RemoteVolume by id.
func (t *Tx) GetVolume(id int64) (*RemoteVolume, error) {
	row := t.queryRow(`SELECT id, name, type, state, size, hash, delete_grace_until FROM remote_volume WHERE id = ?`, id)
	v, err := scanVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.New("catalog.GetVolume", vaulterr.DatabaseConsistency, err)
	}
	return v, nil
}

// GetVolumeByName fetches a RemoteVolume by its remote filename.
func (t *Tx) GetVolumeByName(name string) (*RemoteVolume, error) {
	row := t.queryRow(`SELECT id, name, type, state, size, hash, delete_grace_until FROM remote_volume WHERE name = ?`, name)
	v, err := scanVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.New("catalog.GetVolumeByName", vaulterr.DatabaseConsistency, err)
	}
	return v, nil
}

// VolumesInState lists all volumes currently in one of the given states.
func (t *Tx) VolumesInState(states ...VolumeState) ([]RemoteVolume, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, s := range states {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	q := fmt.Sprintf(`SELECT id, name, type, state, size, hash, delete_grace_until
		FROM remote_volume WHERE state IN (%s)`, strings.Join(placeholders, ","))
	rows, err := t.query(q, args...)
	if err != nil {
		return nil, vaulterr.New("catalog.VolumesInState", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []RemoteVolume
	for rows.Next() {
		var v RemoteVolume
		var typ, state string
		var hash sql.NullString
		var grace sql.NullTime
		if err := rows.Scan(&v.ID, &v.Name, &typ, &state, &v.Size, &hash, &grace); err != nil {
			return nil, vaulterr.New("catalog.VolumesInState", vaulterr.DatabaseConsistency, err)
		}
		v.Type = RemoteVolumeType(typ)
		v.State = VolumeState(state)
		v.Hash = hash.String
		if grace.Valid {
			v.DeleteGraceUntil = grace.Time
		}
		out = append(out, v)
	}
	return out, nil
}

// LinkIndexToBlocks records an IndexBlockLink (spec.md 3).
func (t *Tx) LinkIndexToBlocks(indexVolumeID, blockVolumeID int64) error {
	if _, err := t.exec(`INSERT INTO index_block_link VALUES (?, ?)`, indexVolumeID, blockVolumeID); err != nil {
		return vaulterr.New("catalog.LinkIndexToBlocks", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// IndexVolumeFor returns the id of the Index volume paired with a Blocks
// volume, or 0 if none is recorded.
func (t *Tx) IndexVolumeFor(blockVolumeID int64) (int64, error) {
	var id int64
	err := t.queryRow(`SELECT index_volume_id FROM index_block_link WHERE block_volume_id = ?`, blockVolumeID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, vaulterr.New("catalog.IndexVolumeFor", vaulterr.DatabaseConsistency, err)
	}
	return id, nil
}

// RegisterDuplicateBlock records that blockID also exists in volumeID
// (used by compaction, spec.md 3/4.6).
func (t *Tx) RegisterDuplicateBlock(blockID, volumeID int64) error {
	if _, err := t.exec(`INSERT INTO duplicate_block VALUES (?, ?)`, blockID, volumeID); err != nil {
		return vaulterr.New("catalog.RegisterDuplicateBlock", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DuplicatesOf returns every volume a block is duplicated into, ordered by
// volume_id ascending (the caller picks MAX for the Open-Question-1
// "implementation-defined but deterministic" selection).
func (t *Tx) DuplicatesOf(blockID int64) ([]int64, error) {
	rows, err := t.query(`SELECT volume_id FROM duplicate_block WHERE block_id = ? ORDER BY volume_id ASC`, blockID)
	if err != nil {
		return nil, vaulterr.New("catalog.DuplicatesOf", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, vaulterr.New("catalog.DuplicatesOf", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// RemoveDuplicatesForVolume deletes DuplicateBlock rows referencing a
// volume that no longer exists (invariant 5).
func (t *Tx) RemoveDuplicatesForVolume(volumeID int64) error {
	if _, err := t.exec(`DELETE FROM duplicate_block WHERE volume_id = ?`, volumeID); err != nil {
		return vaulterr.New("catalog.RemoveDuplicatesForVolume", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// RemoveDuplicateBlock deletes a single DuplicateBlock row once compaction
// has consumed it to reassign Block.volume_id (spec.md 4.6 step 2).
func (t *Tx) RemoveDuplicateBlock(blockID, volumeID int64) error {
	if _, err := t.exec(`DELETE FROM duplicate_block WHERE block_id = ? AND volume_id = ?`, blockID, volumeID); err != nil {
		return vaulterr.New("catalog.RemoveDuplicateBlock", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// RecordDeletedBlock appends a DeletedBlock accounting row (invariant 6).
func (t *Tx) RecordDeletedBlock(hash string, size, volumeID int64) error {
	if _, err := t.exec(`INSERT INTO deleted_block VALUES (?, ?, ?)`, hash, size, volumeID); err != nil {
		return vaulterr.New("catalog.RecordDeletedBlock", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// DeletedBlocksForVolume lists the DeletedBlock rows recorded for a volume.
func (t *Tx) DeletedBlocksForVolume(volumeID int64) ([]DeletedBlock, error) {
	rows, err := t.query(`SELECT hash, size, volume_id FROM deleted_block WHERE volume_id = ?`, volumeID)
	if err != nil {
		return nil, vaulterr.New("catalog.DeletedBlocksForVolume", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []DeletedBlock
	for rows.Next() {
		var d DeletedBlock
		if err := rows.Scan(&d.Hash, &d.Size, &d.VolumeID); err != nil {
			return nil, vaulterr.New("catalog.DeletedBlocksForVolume", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ClearDeletedBlocksForVolume removes DeletedBlock rows once their volume
// transitions to Deleted.
func (t *Tx) ClearDeletedBlocksForVolume(volumeID int64) error {
	if _, err := t.exec(`DELETE FROM deleted_block WHERE volume_id = ?`, volumeID); err != nil {
		return vaulterr.New("catalog.ClearDeletedBlocksForVolume", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// BlocksInVolume lists every live (referenced) block stored in a volume.
func (t *Tx) BlocksInVolume(volumeID int64) ([]Block, error) {
	rows, err := t.query(`SELECT id, hash, size, volume_id FROM block WHERE volume_id = ?`, volumeID)
	if err != nil {
		return nil, vaulterr.New("catalog.BlocksInVolume", vaulterr.DatabaseConsistency, err)
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
			return nil, vaulterr.New("catalog.BlocksInVolume", vaulterr.DatabaseConsistency, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// IsBlockReferenced reports whether any BlocksetEntry or BlocklistHash
// still references blockID (spec.md 3's lifecycle note).
func (t *Tx) IsBlockReferenced(blockID int64) (bool, error) {
	var n int64
	if err := t.queryRow(`SELECT COUNT(*) FROM blockset_entry WHERE block_id = ?`, blockID).Scan(&n); err != nil {
		return false, vaulterr.New("catalog.IsBlockReferenced", vaulterr.DatabaseConsistency, err)
	}
	if n > 0 {
		return true, nil
	}
	b, err := t.GetBlock(blockID)
	if err != nil || b == nil {
		return false, err
	}
	if err := t.queryRow(`SELECT COUNT(*) FROM blocklist_hash WHERE hash = ?`, b.Hash).Scan(&n); err != nil {
		return false, vaulterr.New("catalog.IsBlockReferenced", vaulterr.DatabaseConsistency, err)
	}
	return n > 0, nil
}

// SetBlockVolume reassigns a block's current volume (used by compaction
// step 2).
func (t *Tx) SetBlockVolume(blockID, volumeID int64) error {
	if _, err := t.exec(`UPDATE block SET volume_id = ? WHERE id = ?`, volumeID, blockID); err != nil {
		return vaulterr.New("catalog.SetBlockVolume", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// SetCatalogConfig records the immutable blocksize/hash configuration the
// first time a catalog is used, and is a no-op thereafter (spec.md 4.1).
func (t *Tx) SetCatalogConfig(blockSize int, blockHash, fileHash string) error {
	var n int64
	if err := t.queryRow(`SELECT COUNT(*) FROM catalog_config`).Scan(&n); err != nil {
		return vaulterr.New("catalog.SetCatalogConfig", vaulterr.DatabaseConsistency, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := t.exec(`INSERT INTO catalog_config VALUES (?, ?, ?, ?)`, blockSize, blockHash, fileHash, false); err != nil {
		return vaulterr.New("catalog.SetCatalogConfig", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// MarkPartiallyRecreated flags the catalog as produced by an incomplete
// repair (spec.md 4.7): purge-broken and backup must refuse to run.
func (t *Tx) MarkPartiallyRecreated() error {
	if _, err := t.exec(`UPDATE catalog_config SET partially_recreated = ?`, true); err != nil {
		return vaulterr.New("catalog.MarkPartiallyRecreated", vaulterr.DatabaseConsistency, err)
	}
	return nil
}

// IsPartiallyRecreated reports the catalog_config.partially_recreated flag.
func (t *Tx) IsPartiallyRecreated() (bool, error) {
	var b bool
	err := t.queryRow(`SELECT partially_recreated FROM catalog_config LIMIT 1`).Scan(&b)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, vaulterr.New("catalog.IsPartiallyRecreated", vaulterr.DatabaseConsistency, err)
	}
	return b, nil
}
