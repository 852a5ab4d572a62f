// Licensed under the MIT License. See LICENSE file in the project root for details.

package field

import (
	"sync/atomic"
	"unsafe"
)

// loadRaw reads width bytes at addr into the low bits of a uint64, with
// at least the ordering internal/redo's Writeback already assumes is
// safe for naturally aligned scalars: an atomic load for the widths
// sync/atomic supports directly, a plain load otherwise.
func loadRaw(addr unsafe.Pointer, width uintptr) uint64 {
	switch width {
	case 1:
		return uint64(*(*uint8)(addr))
	case 2:
		return uint64(*(*uint16)(addr))
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(addr)))
	case 8:
		return atomic.LoadUint64((*uint64)(addr))
	default:
		panic("field: unsupported scalar width")
	}
}

// storeRaw writes the low width bytes of v to addr, with the same
// ordering guarantee as loadRaw.
func storeRaw(addr unsafe.Pointer, width uintptr, v uint64) {
	switch width {
	case 1:
		*(*uint8)(addr) = uint8(v)
	case 2:
		*(*uint16)(addr) = uint16(v)
	case 4:
		atomic.StoreUint32((*uint32)(addr), uint32(v))
	case 8:
		atomic.StoreUint64((*uint64)(addr), v)
	default:
		panic("field: unsupported scalar width")
	}
}

// rawFromValue bit-packs val's in-memory representation into the low
// bits of a uint64. T is constrained to Scalar, so its size is always
// 1, 2, 4, or 8 bytes.
func rawFromValue[T Scalar](val T) uint64 {
	return loadRaw(unsafe.Pointer(&val), unsafe.Sizeof(val))
}

// valueFromRaw is rawFromValue's inverse: it reconstructs a T from the
// low bits of raw.
func valueFromRaw[T Scalar](raw uint64) T {
	var val T
	storeRaw(unsafe.Pointer(&val), unsafe.Sizeof(val), raw)
	return val
}
