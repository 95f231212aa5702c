package compact

import (
	"github.com/ndlib/vaultkeep/catalog"
)

// Classification buckets a volume for compaction purposes (spec.md 4.6).
type Classification int

const (
	// ClassOK holds no meaningful reclaimable space; leave it alone.
	ClassOK Classification = iota
	// ClassCleanDelete is entirely composed of dead blocks: delete the
	// whole volume without rewriting anything.
	ClassCleanDelete
	// ClassWasted has enough dead weight to be worth rewriting.
	ClassWasted
	// ClassSmall is mostly live but small enough to be worth folding
	// into a neighbor during a rewrite, to avoid a remote storage
	// landscape full of tiny objects.
	ClassSmall
)

// VolumeReport is one volume's compaction classification.
type VolumeReport struct {
	Volume      catalog.RemoteVolume
	LiveBytes   int64
	DeadBytes   int64
	Class       Classification
}

// WastedRatio controls when a volume crosses from ClassOK into
// ClassWasted: dead bytes / total bytes at or above this fraction.
const WastedRatio = 0.40

// SmallVolumeThreshold controls when an otherwise-live volume is folded
// into a rewrite anyway, to keep the remote object count down.
const SmallVolumeThreshold = 8 * 1024 * 1024

// Report classifies every Blocks volume currently Verified, by comparing
// its live block bytes (still referenced content) against the dead bytes
// recorded against it in DeletedBlock (spec.md 4.6). New code, grounded
// directly on spec.md 4.6's clean-delete/wasted/small description.
func Report(tx *catalog.Tx) ([]VolumeReport, error) {
	volumes, err := tx.VolumesInState(catalog.StateVerified)
	if err != nil {
		return nil, err
	}

	var out []VolumeReport
	for _, v := range volumes {
		if v.Type != catalog.VolumeBlocks {
			continue
		}
		live, err := tx.BlocksInVolume(v.ID)
		if err != nil {
			return nil, err
		}
		dead, err := tx.DeletedBlocksForVolume(v.ID)
		if err != nil {
			return nil, err
		}

		var liveBytes, deadBytes int64
		for _, b := range live {
			liveBytes += b.Size
		}
		for _, d := range dead {
			deadBytes += d.Size
		}

		r := VolumeReport{Volume: v, LiveBytes: liveBytes, DeadBytes: deadBytes}
		total := liveBytes + deadBytes
		switch {
		case liveBytes == 0 && deadBytes > 0:
			r.Class = ClassCleanDelete
		case total > 0 && float64(deadBytes)/float64(total) >= WastedRatio:
			r.Class = ClassWasted
		case liveBytes > 0 && liveBytes < SmallVolumeThreshold:
			r.Class = ClassSmall
		default:
			r.Class = ClassOK
		}
		out = append(out, r)
	}
	return out, nil
}
