// Package ptable defines the PartitionTableCodec external interface:
// serializing and deserializing a partition table (device layout + named
// partitions + their linear extents) to/from a compact on-disk blob. The
// real wire format is an external-collaborator concern per SPEC_FULL.md §1;
// this package provides the interface plus a gob-based codec that is
// sufficient for ImageStore's own round-trip persistence needs (the
// metadata_blob the spec requires at metadata_dir/<name>.lp).
package ptable

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dsiproject/dsi/blockextent"
)

// PartitionEntry describes one named partition's linear extents within the
// table.
type PartitionEntry struct {
	Name    string
	Extents []blockextent.Extent
	Size    uint64
	Flags   uint32
}

// Table is the decoded form of a partition-table blob.
type Table struct {
	DeviceSize uint64
	Partitions []PartitionEntry
}

// Codec serializes/deserializes a Table to/from a compact blob.
type Codec interface {
	Encode(t Table) ([]byte, error)
	Decode(blob []byte) (Table, error)
}

// GobCodec is a Codec backed by encoding/gob. It is not a wire-compatible
// replacement for the real lp_metadata format the bootloader reads (that
// format is the external collaborator's concern, per SPEC_FULL.md §1) but
// gives ImageStore a concrete, round-trippable metadata_blob to persist and
// validate against.
type GobCodec struct{}

// NewGobCodec returns the default Codec.
func NewGobCodec() *GobCodec { return &GobCodec{} }

func (GobCodec) Encode(t Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("ptable: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(blob []byte) (Table, error) {
	var t Table
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&t); err != nil {
		return Table{}, fmt.Errorf("ptable: decode: %w", err)
	}
	return t, nil
}

// FindPartition returns the entry named name, or ok=false.
func (t Table) FindPartition(name string) (PartitionEntry, bool) {
	for _, p := range t.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return PartitionEntry{}, false
}

// WithPartition returns a copy of t with entry upserted by name.
func (t Table) WithPartition(entry PartitionEntry) Table {
	out := Table{DeviceSize: t.DeviceSize, Partitions: make([]PartitionEntry, 0, len(t.Partitions)+1)}
	replaced := false
	for _, p := range t.Partitions {
		if p.Name == entry.Name {
			out.Partitions = append(out.Partitions, entry)
			replaced = true
			continue
		}
		out.Partitions = append(out.Partitions, p)
	}
	if !replaced {
		out.Partitions = append(out.Partitions, entry)
	}
	return out
}

// WithoutPartition returns a copy of t with the named entry removed.
func (t Table) WithoutPartition(name string) Table {
	out := Table{DeviceSize: t.DeviceSize, Partitions: make([]PartitionEntry, 0, len(t.Partitions))}
	for _, p := range t.Partitions {
		if p.Name != name {
			out.Partitions = append(out.Partitions, p)
		}
	}
	return out
}
