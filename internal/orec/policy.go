// Licensed under the MIT License. See LICENSE file in the project root for details.

package orec

import (
	"encoding/binary"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// Ownable is anything that can be mapped to an Orec, either because it
// embeds one directly or because it was assigned one from a stripe table
// at construction time.
type Ownable interface {
	Orec() *Orec
}

// Embedded is a mixin that gives an ownable its own private orec. Embed
// this in a data-structure node to use the per-object policy described in
// spec §4.2.
type Embedded struct {
	orec Orec
}

// Orec returns this object's private orec.
func (e *Embedded) Orec() *Orec { return &e.orec }

// StripeTable maps ownable addresses to entries in a shared, fixed-size
// table of orecs. Two ownables that hash to the same stripe share an
// orec and therefore false-conflict, but remain safe — collisions are
// permitted by design (spec §4.2).
type StripeTable struct {
	orecs []Orec
	mask  uint64
}

// NewStripeTable creates a stripe table with size entries. size must be a
// power of two; this is a configuration error (spec §7.2) and panics,
// matching the teacher's NewHashIndex power-of-two check.
func NewStripeTable(size uint64) *StripeTable {
	if size == 0 || size&(size-1) != 0 {
		panic("orec: stripe table size must be a power of 2")
	}
	return &StripeTable{orecs: make([]Orec, size), mask: size - 1}
}

// OrecFor hashes obj's identity and returns the stripe assigned to it.
// The hash uses xxhash over the object's address, which disperses nearby
// addresses across distant stripes far better than a naive multiply-mix,
// satisfying spec §4.2's "good bit-mixing finaliser" requirement.
func (t *StripeTable) OrecFor(obj any) *Orec {
	addr := addressOf(obj)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	h := xxhash.Sum64(buf[:])
	return &t.orecs[h&t.mask]
}

// addressOf extracts a stable integer identity for obj. obj must be a
// pointer (directly, or via an interface wrapping a pointer); this is a
// logic error otherwise and panics, matching spec §7.3's contract-
// violation class of failure.
func addressOf(obj any) uint64 {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		panic("orec: stripe policy requires a non-nil pointer ownable")
	}
	return uint64(uintptr(v.Pointer())) // #nosec G115
}

// Striped is a mixin that gives an ownable a pointer into a shared
// StripeTable, cached at construction time so later Orec() calls are
// free. Use NewStriped to populate it.
type Striped struct {
	orec *Orec
}

// NewStriped assigns owner's stripe by hashing owner's own address in
// table. Must be called exactly once, from the ownable's constructor,
// after owner itself has a stable address (i.e. owner must already be
// heap-allocated).
func NewStriped(table *StripeTable, owner any) Striped {
	return Striped{orec: table.OrecFor(owner)}
}

// Orec returns the stripe assigned to this ownable.
func (s *Striped) Orec() *Orec { return s.orec }
