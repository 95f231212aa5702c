package main

import (
	"testing"

	"github.com/ndlib/vaultkeep/catalog"
)

func TestSampleUnitsUnderLimitReturnsEverything(t *testing.T) {
	units := []blockUnit{
		{vol: catalog.RemoteVolume{ID: 1}, blocks: []catalog.Block{{ID: 1, VolumeID: 1}, {ID: 2, VolumeID: 1}}},
	}
	out := sampleUnits(units, 10)
	if len(out) != 1 || len(out[0].blocks) != 2 {
		t.Errorf("expected both blocks kept, got %#v", out)
	}
}

func TestSampleUnitsOverLimitSubsamples(t *testing.T) {
	var blocks []catalog.Block
	for i := int64(0); i < 100; i++ {
		blocks = append(blocks, catalog.Block{ID: i, VolumeID: 1})
	}
	units := []blockUnit{{vol: catalog.RemoteVolume{ID: 1}, blocks: blocks}}

	out := sampleUnits(units, 10)
	var total int
	for _, u := range out {
		total += len(u.blocks)
	}
	if total == 0 || total >= 100 {
		t.Errorf("expected a subsample strictly smaller than the input, got %d of 100", total)
	}
}

func TestFilesetReferencesDetectsBadBlock(t *testing.T) {
	c := newTestCatalog(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volID, err := tx.CreateRemoteVolume("vol1", catalog.VolumeBlocks)
	if err != nil {
		t.Fatal(err)
	}
	blockID, _, err := tx.RegisterBlock("deadbeef", 100, volID)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := tx.RegisterBlockset("deadbeef", 100, []int64{blockID})
	if err != nil {
		t.Fatal(err)
	}

	files := []catalog.FileLookup{{ID: 1, Path: "a.txt", BlocksetID: bs}}

	if !filesetReferences(tx, files, map[int64]bool{blockID: true}) {
		t.Error("expected the fileset to be flagged as referencing the broken block")
	}
	if filesetReferences(tx, files, map[int64]bool{blockID + 1000: true}) {
		t.Error("did not expect a match against an unrelated block id")
	}
}
