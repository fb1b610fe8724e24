package admem

import (
	"math"
	"unsafe"

	"github.com/flier/admem/pkg/xunsafe"
)

// Durable format of the blob, the arenas and the groups. All records are
// mutated in place through the mapped image and streamed to the WAL as
// redo actions; their layouts are load-bearing and asserted below.

const (
	// BlobMagic marks a formatted blob superblock.
	BlobMagic = 0xbabecafe
	// Version is the current blob format version.
	Version = 1

	arenaMagic = 0xcafe

	arenaSizeBits = 24
	arenaSizeMask = ArenaSize - 1

	// ArenaSize is the fixed size of an arena.
	ArenaSize = 1 << arenaSizeBits
	// ArenaUnitSize is the minimum group size, one bit of the arena bitmap.
	ArenaUnitSize = 32 << 10
	// ArenaHdrSize is the space reserved for the durable arena header.
	ArenaHdrSize = 2 * ArenaUnitSize
	// BlobHdrSize is the space reserved for the superblock, stored right
	// after the header of arena 0.
	BlobHdrSize = 32 << 10
	// RootObjSize is the application root object, after the superblock.
	RootObjSize = 32 << 10

	rootObjOff = ArenaHdrSize + BlobHdrSize

	grpSizeShift = 15
	grpSizeMask  = 1<<grpSizeShift - 1
	grpUnitBmSz  = 8

	// GrpUnitSzMax and GrpUnitNrMax bound a single group.
	GrpUnitSzMax = 1 << 20
	GrpUnitNrMax = 1 << 20

	arenaGrpBmSz    = 8
	arenaGrpMax     = 480
	arenaGrpAvg     = 256
	arenaSpecMax    = 32
	arenaGrpSpecMax = 24

	arenaWeightBits = 14
	arenaWeightMask = 1<<arenaWeightBits - 1

	arenaLRUMax = 64 << 10
	groupLRUMax = 512 << 10
)

// ArenaAny lets the allocator pick an arena.
const ArenaAny = uint32(math.MaxUint32)

// Predefined arena types. User types start at TypeBase.
const (
	TypeDefault = 0
	TypeLarge   = 1
	TypeBase    = 2
)

// A GroupSpec is one group geometry of an arena type: groups created for
// it hold Count units of Unit bytes each.
type GroupSpec struct {
	Unit  uint32
	Count uint32
}

// groupDF is the durable group record, 128 bytes exactly so that up to
// arenaGrpMax of them fit in the arena header.
type groupDF struct {
	// base address, zero while the slot is free
	addr uint64
	// real address, reserved for defragmentation
	addrReal uint64
	// DRAM handle for reserve(), valid iff incarnation is current
	backPtr     uint64
	incarnation uint64
	// unit size in bytes
	unit int32
	// number of units in this group
	unitNr int32
	// number of free units in this group
	unitFree int32
	flags    uint32
	reserved [2]uint64
	// used bitmap, 512 units at most so it fits into 128 bytes
	bmap [grpUnitBmSz]uint64
}

// arenaSpecDF is one registered arena type in the superblock.
type arenaSpecDF struct {
	atype uint32
	// arena unit size, reserved
	unit uint32
	// last active arena of this type
	lastUsed uint32
	// number of valid entries in specs
	specsNr uint32
	specs   [arenaGrpSpecMax]GroupSpec
}

// arenaDF is the durable arena header, one per ArenaSize slab.
type arenaDF struct {
	magic uint16
	atype uint16
	id    uint32
	size  uint32
	// minimum allocation unit
	unit  int32
	pad64 int64
	// validates backPtr and the group back pointers
	incarnation uint64
	// external blob id, reserved
	blobID uint64
	// blob address of this arena
	addr     uint64
	reserved [2]uint64
	// one bit per ArenaUnitSize slice
	bmap [arenaGrpBmSz]uint64
	// DRAM handle of the arena shadow
	backPtr uint64
	groups  [arenaGrpMax]groupDF
}

// blobDF is the superblock, stored at ArenaHdrSize within arena 0. The
// arena allocation bitmap trails the fixed part.
type blobDF struct {
	magic   uint32
	version uint32
	// loading incarnation, refreshed at every open
	incarnation uint64
	backPtr     uint64
	// capacity managed by the allocator
	size      uint64
	arenaSize uint64
	asp       [arenaSpecMax]arenaSpecDF
	reserved  [4]uint64
	// allocated arena bits follow
}

// Layout asserts. Each pair pins an exact size.
const (
	groupDFSize = 128

	_ = groupDFSize - unsafe.Sizeof(groupDF{})
	_ = unsafe.Sizeof(groupDF{}) - groupDFSize

	arenaDFSize = 136 + arenaGrpMax*groupDFSize

	_ = arenaDFSize - unsafe.Sizeof(arenaDF{})
	_ = unsafe.Sizeof(arenaDF{}) - arenaDFSize
	_ = ArenaHdrSize - unsafe.Sizeof(arenaDF{})

	_ = BlobHdrSize - unsafe.Sizeof(blobDF{})
)

// bmap returns the trailing arena allocation bitmap of the superblock.
func (bd *blobDF) bmap(words int) []uint64 {
	return xunsafe.Beyond[uint64](bd).Slice(words)
}

// groupU2B returns the number of arena bitmap bits a group of unitNr
// units of unit bytes occupies.
func groupU2B(unit, unitNr int32) int {
	return (int(unitNr)*int(unit) + grpSizeMask) >> grpSizeShift
}

func (gd *groupDF) bits() int {
	return groupU2B(gd.unit, gd.unitNr)
}

// Default group specs of the two predefined arena types. The default
// type covers small units, the large type 8K and up; 8K in the default
// type is deliberately unmatched.
var grpSpecsDef = []GroupSpec{
	{Unit: 64, Count: 512},    /* group size = 32K */
	{Unit: 128, Count: 512},   /* group size = 64K */
	{Unit: 256, Count: 512},   /* group size = 128K */
	{Unit: 384, Count: 341},   /* group size = 128K */
	{Unit: 512, Count: 512},   /* group size = 256K */
	{Unit: 768, Count: 341},   /* group size = 256K */
	{Unit: 1024, Count: 256},  /* group size = 256K */
	{Unit: 1536, Count: 170},  /* group size = 256K */
	{Unit: 2048, Count: 128},  /* group size = 256K */
	{Unit: 3072, Count: 85},   /* group size = 256K */
	{Unit: 4096, Count: 64},   /* group size = 256K */
}

var grpSpecsLarge = []GroupSpec{
	{Unit: 8 << 10, Count: 128},  /* group size = 1M */
	{Unit: 16 << 10, Count: 64},  /* group size = 1M */
	{Unit: 32 << 10, Count: 32},  /* group size = 1M */
	{Unit: 64 << 10, Count: 16},  /* group size = 1M */
	{Unit: 128 << 10, Count: 16}, /* group size = 2M */
	{Unit: 256 << 10, Count: 8},  /* group size = 2M */
	{Unit: 512 << 10, Count: 4},  /* group size = 2M */
	{Unit: 1024 << 10, Count: 2}, /* group size = 2M */
}
