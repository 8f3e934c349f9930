package kanserial

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/kan-engine/kanrt/kanreflect"
)

// MarshalBinary writes instance as the binary record body from spec.md
// §6: the same fields writeStructFields emits as "field = value" text,
// packed instead as raw little-endian bytes in declaration order. It
// does not write the EncodeRecordHeader type-name prefix; a caller
// framing multiple records in one stream writes that header itself
// first, the same way a .rd stream's "//! <type>" line is separate from
// Marshal's field body.
func MarshalBinary(w io.Writer, registry *kanreflect.Registry, typeName string, instance any) error {
	typeInfo, ok := registry.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	v := reflect.ValueOf(instance)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("kanserial: instance must be a struct or pointer to struct")
	}
	return writeStructFieldsBinary(w, registry, typeInfo, v)
}

// UnmarshalBinary is MarshalBinary's read direction: it fills instance
// (a pointer to a struct registered under typeName) from a binary record
// body. Like MarshalBinary, it does not consume a record header; callers
// reading a framed stream call DecodeRecordHeader first.
func UnmarshalBinary(r io.Reader, registry *kanreflect.Registry, typeName string, instance any) error {
	typeInfo, ok := registry.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("kanserial: instance must be a pointer to struct")
	}
	return readStructFieldsBinary(r, registry, typeInfo, v.Elem())
}

func writeStructFieldsBinary(w io.Writer, registry *kanreflect.Registry, t *kanreflect.TypeInfo, v reflect.Value) error {
	for _, fi := range t.Fields {
		if err := writeFieldBinary(w, registry, fi, v.FieldByName(fi.GoName)); err != nil {
			return err
		}
	}
	return nil
}

func readStructFieldsBinary(r io.Reader, registry *kanreflect.Registry, t *kanreflect.TypeInfo, v reflect.Value) error {
	for _, fi := range t.Fields {
		if err := readFieldBinary(r, registry, fi, v.FieldByName(fi.GoName)); err != nil {
			return err
		}
	}
	return nil
}

func writeFieldBinary(w io.Writer, registry *kanreflect.Registry, fi kanreflect.FieldInfo, field reflect.Value) error {
	switch fi.Archetype {
	case kanreflect.ArchetypeSignedInt, kanreflect.ArchetypeEnum:
		return writeBinaryInt(w, field.Int(), fi.Size)
	case kanreflect.ArchetypeUnsignedInt:
		return writeBinaryUint(w, field.Uint(), fi.Size)
	case kanreflect.ArchetypeFloat:
		return writeBinaryFloat(w, field.Float(), fi.Size)
	case kanreflect.ArchetypeStringPointer, kanreflect.ArchetypeInternedString:
		return writeBinaryString(w, field.String())
	case kanreflect.ArchetypeStruct:
		return writeStructFieldsBinary(w, registry, fi.ElementType, field)
	case kanreflect.ArchetypeStructPointer:
		present := !field.IsNil()
		if err := writeBinaryBool(w, present); err != nil {
			return err
		}
		if !present {
			return nil
		}
		return writeStructFieldsBinary(w, registry, fi.ElementType, field.Elem())
	case kanreflect.ArchetypeInlineArray:
		return writeArrayElementsBinary(w, registry, fi, field, fi.ArrayLength)
	case kanreflect.ArchetypeDynamicArray:
		n := field.Len()
		if err := writeBinaryUint(w, uint64(n), 4); err != nil {
			return err
		}
		return writeArrayElementsBinary(w, registry, fi, field, n)
	case kanreflect.ArchetypePatch:
		patch, _ := field.Interface().(kanreflect.RawPatch)
		return writePatchBinary(w, patch)
	default:
		// External pointers are opaque to serialization, per spec.md §4.3.
		return nil
	}
}

func readFieldBinary(r io.Reader, registry *kanreflect.Registry, fi kanreflect.FieldInfo, field reflect.Value) error {
	switch fi.Archetype {
	case kanreflect.ArchetypeSignedInt, kanreflect.ArchetypeEnum:
		n, err := readBinaryInt(r, fi.Size)
		if err != nil {
			return err
		}
		field.SetInt(n)
		return nil
	case kanreflect.ArchetypeUnsignedInt:
		n, err := readBinaryUint(r, fi.Size)
		if err != nil {
			return err
		}
		field.SetUint(n)
		return nil
	case kanreflect.ArchetypeFloat:
		n, err := readBinaryFloat(r, fi.Size)
		if err != nil {
			return err
		}
		field.SetFloat(n)
		return nil
	case kanreflect.ArchetypeStringPointer, kanreflect.ArchetypeInternedString:
		s, err := readBinaryString(r)
		if err != nil {
			return err
		}
		field.SetString(s)
		return nil
	case kanreflect.ArchetypeStruct:
		return readStructFieldsBinary(r, registry, fi.ElementType, field)
	case kanreflect.ArchetypeStructPointer:
		present, err := readBinaryBool(r)
		if err != nil {
			return err
		}
		if !present {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		field.Set(reflect.New(fi.ElementType.GoType))
		return readStructFieldsBinary(r, registry, fi.ElementType, field.Elem())
	case kanreflect.ArchetypeInlineArray:
		return readArrayElementsBinary(r, registry, fi, field, fi.ArrayLength)
	case kanreflect.ArchetypeDynamicArray:
		n, err := readBinaryUint(r, 4)
		if err != nil {
			return err
		}
		field.Set(reflect.MakeSlice(field.Type(), int(n), int(n)))
		return readArrayElementsBinary(r, registry, fi, field, int(n))
	case kanreflect.ArchetypePatch:
		patch, err := readPatchBinary(r)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(patch))
		return nil
	default:
		return nil
	}
}

func writeArrayElementsBinary(w io.Writer, registry *kanreflect.Registry, fi kanreflect.FieldInfo, field reflect.Value, n int) error {
	for i := 0; i < n; i++ {
		elem := field.Index(i)
		switch fi.ElementArchetype {
		case kanreflect.ArchetypeStruct:
			if err := writeStructFieldsBinary(w, registry, fi.ElementType, elem); err != nil {
				return err
			}
		case kanreflect.ArchetypeStructPointer:
			present := !elem.IsNil()
			if err := writeBinaryBool(w, present); err != nil {
				return err
			}
			if present {
				if err := writeStructFieldsBinary(w, registry, fi.ElementType, elem.Elem()); err != nil {
					return err
				}
			}
		default:
			elemField := kanreflect.FieldInfo{Archetype: fi.ElementArchetype, Size: elem.Type().Size(), Enum: fi.Enum}
			if err := writeFieldBinary(w, registry, elemField, elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func readArrayElementsBinary(r io.Reader, registry *kanreflect.Registry, fi kanreflect.FieldInfo, field reflect.Value, n int) error {
	for i := 0; i < n; i++ {
		elem := field.Index(i)
		switch fi.ElementArchetype {
		case kanreflect.ArchetypeStruct:
			if err := readStructFieldsBinary(r, registry, fi.ElementType, elem); err != nil {
				return err
			}
		case kanreflect.ArchetypeStructPointer:
			present, err := readBinaryBool(r)
			if err != nil {
				return err
			}
			if !present {
				elem.Set(reflect.Zero(elem.Type()))
				continue
			}
			elem.Set(reflect.New(fi.ElementType.GoType))
			if err := readStructFieldsBinary(r, registry, fi.ElementType, elem.Elem()); err != nil {
				return err
			}
		default:
			elemField := kanreflect.FieldInfo{Archetype: fi.ElementArchetype, Size: elem.Type().Size(), Enum: fi.Enum}
			if err := readFieldBinary(r, registry, elemField, elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePatchBinary(w io.Writer, patch kanreflect.RawPatch) error {
	if err := writeBinaryString(w, patch.TargetType); err != nil {
		return err
	}
	if err := writeBinaryUint(w, uint64(len(patch.Chunks)), 4); err != nil {
		return err
	}
	for _, chunk := range patch.Chunks {
		if err := writeBinaryUint(w, uint64(chunk.Offset), 4); err != nil {
			return err
		}
		if err := writeBinaryUint(w, uint64(chunk.Size), 4); err != nil {
			return err
		}
		if err := writeBinaryBytes(w, chunk.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func readPatchBinary(r io.Reader) (kanreflect.RawPatch, error) {
	var patch kanreflect.RawPatch
	targetType, err := readBinaryString(r)
	if err != nil {
		return patch, err
	}
	patch.TargetType = targetType
	count, err := readBinaryUint(r, 4)
	if err != nil {
		return patch, err
	}
	patch.Chunks = make([]kanreflect.PatchChunk, count)
	for i := range patch.Chunks {
		offset, err := readBinaryUint(r, 4)
		if err != nil {
			return patch, err
		}
		size, err := readBinaryUint(r, 4)
		if err != nil {
			return patch, err
		}
		data, err := readBinaryBytes(r)
		if err != nil {
			return patch, err
		}
		patch.Chunks[i] = kanreflect.PatchChunk{Offset: uint32(offset), Size: uint32(size), Bytes: data}
	}
	return patch, nil
}

func writeBinaryInt(w io.Writer, v int64, size uintptr) error {
	buf := make([]byte, size)
	putInt(buf, v, size)
	_, err := w.Write(buf)
	return err
}

func writeBinaryUint(w io.Writer, v uint64, size uintptr) error {
	buf := make([]byte, size)
	putUint(buf, v, size)
	_, err := w.Write(buf)
	return err
}

func writeBinaryFloat(w io.Writer, v float64, size uintptr) error {
	switch size {
	case 4:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		_, err := w.Write(buf[:])
		return err
	case 8:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, err := w.Write(buf[:])
		return err
	default:
		return fmt.Errorf("%w: unsupported float size %d", ErrTypeMismatch, size)
	}
}

func writeBinaryBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func writeBinaryString(w io.Writer, s string) error {
	return writeBinaryBytes(w, []byte(s))
}

func writeBinaryBytes(w io.Writer, b []byte) error {
	if err := writeBinaryUint(w, uint64(len(b)), 4); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBinaryInt(r io.Reader, size uintptr) (int64, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return decodeInt(buf, size), nil
}

func readBinaryUint(r io.Reader, size uintptr) (uint64, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return decodeUint(buf, size), nil
}

func readBinaryFloat(r io.Reader, size uintptr) (float64, error) {
	switch size {
	case 4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))), nil
	case 8:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
	default:
		return 0, fmt.Errorf("%w: unsupported float size %d", ErrTypeMismatch, size)
	}
}

func readBinaryBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func readBinaryString(r io.Reader) (string, error) {
	b, err := readBinaryBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBinaryBytes(r io.Reader) ([]byte, error) {
	n, err := readBinaryUint(r, 4)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
