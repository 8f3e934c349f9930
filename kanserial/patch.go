package kanserial

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/kan-engine/kanrt/kanreflect"
)

// ApplyPatch overlays patch's byte chunks onto a live instance of
// patch.TargetType, byte-copying each chunk at its recorded offset. This
// is the write-back half of the patch machinery whose read-direction
// (BuildPatch) lives in reader.go: a patch built once from readable-data
// text can be re-applied to any number of live instances without
// re-parsing, matching the original's "compiled patch" reuse pattern.
func ApplyPatch(registry *kanreflect.Registry, patch *kanreflect.RawPatch, instance any) error {
	if patch == nil {
		return nil
	}
	typeInfo, ok := registry.Lookup(patch.TargetType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, patch.TargetType)
	}

	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("kanserial: instance must be a pointer to struct")
	}
	v = v.Elem()
	if v.Type() != typeInfo.GoType {
		return fmt.Errorf("%w: patch targets %q, instance is %s", ErrTypeMismatch, patch.TargetType, v.Type())
	}
	if !v.CanAddr() {
		return fmt.Errorf("kanserial: instance is not addressable")
	}

	base := unsafe.Pointer(v.UnsafeAddr())
	size := v.Type().Size()
	for _, chunk := range patch.Chunks {
		if uint64(chunk.Offset)+uint64(chunk.Size) > uint64(size) {
			return fmt.Errorf("kanserial: patch chunk at offset %d (%d bytes) overruns %s (%d bytes)",
				chunk.Offset, chunk.Size, patch.TargetType, size)
		}
		if uint32(len(chunk.Bytes)) < chunk.Size {
			return fmt.Errorf("kanserial: patch chunk at offset %d declares %d bytes but carries %d",
				chunk.Offset, chunk.Size, len(chunk.Bytes))
		}
		dst := unsafe.Slice((*byte)(unsafe.Add(base, chunk.Offset)), chunk.Size)
		copy(dst, chunk.Bytes[:chunk.Size])
	}
	return nil
}
