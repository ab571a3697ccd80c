// Package transfer is the persistence facade for a compilation: three
// opaque, self-describing, length-prefixed blobs ("bytecode", "linker",
// "sa") that a compilation can be serialised to and reloaded from. Storage
// medium (flash, serial, disk) is left to the embedder; this package only
// implements the self-describing byte layout, in the same length-prefixed
// framing style as the instruction encoding and binary helpers elsewhere
// in this module.
package transfer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"microjit/analysis"
	"microjit/stackcode"
)

// formatVersion is written as the first byte of every blob this package
// produces, so Deserialise can refuse a blob from an incompatible future
// layout instead of misreading it.
const formatVersion = 1

// ErrUnsupportedVersion is returned when a blob's version byte does not
// match formatVersion.
var ErrUnsupportedVersion = errors.New("transfer: unsupported blob format version")

// SerialiseBytecode writes the raw bytecode blob: version byte, then a
// 4-byte length prefix, then the bytes themselves.
func SerialiseBytecode(code []byte) []byte {
	buf := make([]byte, 0, 5+len(code))
	buf = append(buf, formatVersion)
	buf = appendUint32(buf, uint32(len(code)))
	buf = append(buf, code...)
	return buf
}

// DeserialiseBytecode reads back a blob written by SerialiseBytecode.
func DeserialiseBytecode(blob []byte) ([]byte, error) {
	r := newReader(blob)
	if err := r.version(); err != nil {
		return nil, err
	}
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

// LinkMap is the resolved bytecode-offset → code-word-offset table plus
// the three special-handler offsets.
// CodeGenerator builds this once linking completes; it is distinct from
// linker.Table, which holds the pending link sites rather than the
// resolved offsets.
type LinkMap struct {
	BlockWordOffset   map[int]int
	HaltWordOffset    int
	OverflowWordOffset int
	UnderflowWordOffset int
}

// SerialiseLinkMap writes lm as: version byte, 3 special offsets (4 bytes
// each), then a count-prefixed list of (bytecode offset, word offset) pairs.
func SerialiseLinkMap(lm LinkMap) []byte {
	buf := []byte{formatVersion}
	buf = appendUint32(buf, uint32(lm.HaltWordOffset))
	buf = appendUint32(buf, uint32(lm.OverflowWordOffset))
	buf = appendUint32(buf, uint32(lm.UnderflowWordOffset))
	buf = appendUint32(buf, uint32(len(lm.BlockWordOffset)))
	for bc, word := range lm.BlockWordOffset {
		buf = appendUint32(buf, uint32(bc))
		buf = appendUint32(buf, uint32(word))
	}
	return buf
}

// DeserialiseLinkMap reads back a blob written by SerialiseLinkMap.
func DeserialiseLinkMap(blob []byte) (LinkMap, error) {
	var lm LinkMap
	r := newReader(blob)
	if err := r.version(); err != nil {
		return lm, err
	}
	var err error
	u32 := func() uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = r.uint32()
		return v
	}
	lm.HaltWordOffset = int(u32())
	lm.OverflowWordOffset = int(u32())
	lm.UnderflowWordOffset = int(u32())
	count := u32()
	if err != nil {
		return lm, err
	}
	lm.BlockWordOffset = make(map[int]int, count)
	for i := uint32(0); i < count; i++ {
		bc := int(u32())
		word := int(u32())
		if err != nil {
			return lm, err
		}
		lm.BlockWordOffset[bc] = word
	}
	return lm, nil
}

// SADump is the persisted shape of the "sa" blob: the per-byte
// metadata array plus the discovered function and basic-block regions.
// It is a snapshot for caching/reload, not a live analysis.Result — an
// embedder that reloads one re-derives the query maps (IsCallDestination
// etc.) by re-running analysis.Analyse, or simply treats the snapshot as
// informational.
type SADump struct {
	Metadata    []analysis.Metadata
	Functions   []stackcode.Region
	BasicBlocks []stackcode.Region
}

// DumpAnalysis builds an SADump from a completed analysis.Result.
func DumpAnalysis(r *analysis.Result) SADump {
	meta := make([]analysis.Metadata, r.Len())
	for i := range meta {
		meta[i] = r.Metadata(i)
	}
	return SADump{Metadata: meta, Functions: r.Functions(), BasicBlocks: r.BasicBlocks()}
}

// SerialiseSA writes an SADump as: version byte, metadata length-prefixed
// byte array, then two length-prefixed region lists.
func SerialiseSA(d SADump) []byte {
	buf := []byte{formatVersion}
	buf = appendUint32(buf, uint32(len(d.Metadata)))
	for _, m := range d.Metadata {
		buf = append(buf, byte(m))
	}
	buf = appendRegions(buf, d.Functions)
	buf = appendRegions(buf, d.BasicBlocks)
	return buf
}

// DeserialiseSA reads back a blob written by SerialiseSA.
func DeserialiseSA(blob []byte) (SADump, error) {
	var d SADump
	r := newReader(blob)
	if err := r.version(); err != nil {
		return d, err
	}
	n, err := r.uint32()
	if err != nil {
		return d, err
	}
	metaBytes, err := r.bytes(int(n))
	if err != nil {
		return d, err
	}
	d.Metadata = make([]analysis.Metadata, len(metaBytes))
	for i, b := range metaBytes {
		d.Metadata[i] = analysis.Metadata(b)
	}
	if d.Functions, err = r.regions(); err != nil {
		return d, err
	}
	if d.BasicBlocks, err = r.regions(); err != nil {
		return d, err
	}
	return d, nil
}

// --- shared framing helpers ---

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendRegions(buf []byte, regions []stackcode.Region) []byte {
	buf = appendUint32(buf, uint32(len(regions)))
	for _, rg := range regions {
		buf = appendUint32(buf, uint32(rg.Start))
		buf = appendUint32(buf, uint32(rg.End))
	}
	return buf
}

type reader struct {
	blob []byte
	pos  int
}

func newReader(blob []byte) *reader { return &reader{blob: blob} }

func (r *reader) version() error {
	if r.pos >= len(r.blob) {
		return io.ErrUnexpectedEOF
	}
	v := r.blob[r.pos]
	r.pos++
	if v != formatVersion {
		return ErrUnsupportedVersion
	}
	return nil
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.blob) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.blob[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.blob) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.blob[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) regions() ([]stackcode.Region, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	out := make([]stackcode.Region, n)
	for i := range out {
		start, err := r.uint32()
		if err != nil {
			return nil, err
		}
		end, err := r.uint32()
		if err != nil {
			return nil, err
		}
		out[i] = stackcode.Region{Start: int(start), End: int(end)}
	}
	return out, nil
}
