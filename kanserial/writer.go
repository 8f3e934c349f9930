package kanserial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/kan-engine/kanrt/kanreflect"
)

// Marshal writes instance (a pointer to a struct registered under
// typeName) as readable-data text, starting with the "//! <type-name>"
// header line from spec.md §4.3.
func Marshal(w io.Writer, registry *kanreflect.Registry, typeName string, instance any) error {
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

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "//! %s\n", typeName)
	if err := writeStructFields(bw, registry, typeInfo, v, 0); err != nil {
		return err
	}
	return bw.Flush()
}

func indentString(depth int) string { return strings.Repeat("    ", depth) }

func writeStructFields(w *bufio.Writer, registry *kanreflect.Registry, t *kanreflect.TypeInfo, v reflect.Value, depth int) error {
	pad := indentString(depth)
	for _, fi := range t.Fields {
		field := v.FieldByName(fi.GoName)
		switch fi.Archetype {
		case kanreflect.ArchetypeSignedInt:
			fmt.Fprintf(w, "%s%s = %d\n", pad, fi.Name, field.Int())
		case kanreflect.ArchetypeUnsignedInt:
			fmt.Fprintf(w, "%s%s = %d\n", pad, fi.Name, field.Uint())
		case kanreflect.ArchetypeFloat:
			fmt.Fprintf(w, "%s%s = %s\n", pad, fi.Name, strconv.FormatFloat(field.Float(), 'g', -1, 64))
		case kanreflect.ArchetypeStringPointer, kanreflect.ArchetypeInternedString:
			fmt.Fprintf(w, "%s%s = %q\n", pad, fi.Name, field.String())
		case kanreflect.ArchetypeEnum:
			if err := writeEnum(w, pad, fi, field); err != nil {
				return err
			}
		case kanreflect.ArchetypeStruct:
			fmt.Fprintf(w, "%s%s {\n", pad, fi.Name)
			if err := writeStructFields(w, registry, fi.ElementType, field, depth+1); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s}\n", pad)
		case kanreflect.ArchetypeStructPointer:
			if field.IsNil() {
				continue
			}
			fmt.Fprintf(w, "%s%s {\n", pad, fi.Name)
			if err := writeStructFields(w, registry, fi.ElementType, field.Elem(), depth+1); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s}\n", pad)
		case kanreflect.ArchetypeInlineArray, kanreflect.ArchetypeDynamicArray:
			if err := writeArray(w, registry, pad, fi, field, depth); err != nil {
				return err
			}
		case kanreflect.ArchetypePatch:
			patch, _ := field.Interface().(kanreflect.RawPatch)
			if patch.TargetType == "" {
				continue
			}
			fmt.Fprintf(w, "%s%s {\n", pad, fi.Name)
			if err := writePatchBody(w, registry, patch, depth+1); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s}\n", pad)
		default:
			// External pointers are opaque to serialization, per spec.md §4.3.
		}
	}
	return nil
}

func writeEnum(w *bufio.Writer, pad string, fi kanreflect.FieldInfo, field reflect.Value) error {
	if fi.Enum == nil {
		return fmt.Errorf("%w: missing enum metadata for %s", ErrFailed, fi.Name)
	}
	if fi.Enum.Flags {
		bits := field.Int()
		var set []string
		for i, choice := range fi.Enum.Choices {
			if bits&(int64(1)<<uint(i)) != 0 {
				set = append(set, choice)
			}
		}
		fmt.Fprintf(w, "%s%s = %s\n", pad, fi.Name, strings.Join(set, " "))
		return nil
	}
	idx := int(field.Int())
	if idx < 0 || idx >= len(fi.Enum.Choices) {
		return fmt.Errorf("%w: enum value %d out of range for %s", ErrFailed, idx, fi.Name)
	}
	fmt.Fprintf(w, "%s%s = %s\n", pad, fi.Name, fi.Enum.Choices[idx])
	return nil
}

func writeArray(w *bufio.Writer, registry *kanreflect.Registry, pad string, fi kanreflect.FieldInfo, field reflect.Value, depth int) error {
	switch fi.ElementArchetype {
	case kanreflect.ArchetypeStruct, kanreflect.ArchetypeStructPointer:
		fmt.Fprintf(w, "%s%s +{\n", pad, fi.Name)
		innerPad := indentString(depth + 1)
		for i := 0; i < field.Len(); i++ {
			elem := field.Index(i)
			if fi.ElementArchetype == kanreflect.ArchetypeStructPointer {
				if elem.IsNil() {
					continue
				}
				elem = elem.Elem()
			}
			fmt.Fprintf(w, "%s{\n", innerPad)
			if err := writeStructFields(w, registry, fi.ElementType, elem, depth+2); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s}\n", innerPad)
		}
		fmt.Fprintf(w, "%s}\n", pad)
		return nil
	default:
		tokens := make([]string, field.Len())
		for i := 0; i < field.Len(); i++ {
			tok, err := formatScalarToken(fi.ElementArchetype, fi.Enum, field.Index(i))
			if err != nil {
				return err
			}
			tokens[i] = tok
		}
		fmt.Fprintf(w, "%s%s = %s\n", pad, fi.Name, strings.Join(tokens, " "))
		return nil
	}
}

func formatScalarToken(archetype kanreflect.Archetype, enum *kanreflect.EnumInfo, v reflect.Value) (string, error) {
	switch archetype {
	case kanreflect.ArchetypeSignedInt:
		return strconv.FormatInt(v.Int(), 10), nil
	case kanreflect.ArchetypeUnsignedInt:
		return strconv.FormatUint(v.Uint(), 10), nil
	case kanreflect.ArchetypeFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case kanreflect.ArchetypeStringPointer, kanreflect.ArchetypeInternedString:
		return strconv.Quote(v.String()), nil
	case kanreflect.ArchetypeEnum:
		if enum == nil {
			return "", fmt.Errorf("%w: missing enum metadata", ErrFailed)
		}
		idx := int(v.Int())
		if idx < 0 || idx >= len(enum.Choices) {
			return "", fmt.Errorf("%w: enum value %d out of range", ErrFailed, idx)
		}
		return enum.Choices[idx], nil
	default:
		return "", fmt.Errorf("%w: archetype %s cannot appear in an element list", ErrTypeMismatch, archetype)
	}
}

// writePatchBody reconstructs readable setters from a patch's sparse byte
// chunks by matching each chunk's absolute offset back to the
// (registry-resolved) field it overlays. Only chunks that land exactly
// on a top-level scalar field's offset are reconstructed as setters;
// every other chunk (including those produced by a nested
// patch-sub-struct block) is emitted as an "unresolved chunk" comment
// instead of being re-descended into. Each chunk is matched on its own,
// so chunk order does not matter. See DESIGN.md.
func writePatchBody(w *bufio.Writer, registry *kanreflect.Registry, patch kanreflect.RawPatch, depth int) error {
	pad := indentString(depth)
	if patch.TargetType == "" {
		return nil
	}
	fmt.Fprintf(w, "%s__type = %s\n", pad, patch.TargetType)

	structType, ok := registry.Lookup(patch.TargetType)
	if !ok {
		return nil
	}
	for _, chunk := range patch.Chunks {
		fi, ok := fieldAtOffset(structType, chunk.Offset)
		if !ok {
			fmt.Fprintf(w, "%s// unresolved chunk at offset %d (%d bytes)\n", pad, chunk.Offset, chunk.Size)
			continue
		}
		tok, err := formatScalarToken(fi.Archetype, fi.Enum, reflect.ValueOf(decodeScalar(chunk.Bytes, fi.Archetype, fi.Size)))
		if err != nil {
			fmt.Fprintf(w, "%s// unresolved chunk at offset %d (%d bytes)\n", pad, chunk.Offset, chunk.Size)
			continue
		}
		fmt.Fprintf(w, "%s%s = %s\n", pad, fi.Name, tok)
	}
	return nil
}

func fieldAtOffset(t *kanreflect.TypeInfo, offset uint32) (kanreflect.FieldInfo, bool) {
	for _, fi := range t.Fields {
		if uint32(fi.Offset) == offset {
			return fi, true
		}
	}
	return kanreflect.FieldInfo{}, false
}

func decodeScalar(buf []byte, archetype kanreflect.Archetype, size uintptr) any {
	switch archetype {
	case kanreflect.ArchetypeSignedInt, kanreflect.ArchetypeEnum:
		return decodeInt(buf, size)
	case kanreflect.ArchetypeUnsignedInt:
		return decodeUint(buf, size)
	case kanreflect.ArchetypeFloat:
		switch size {
		case 4:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case 8:
			return math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
	}
	return int64(0)
}

func decodeInt(buf []byte, size uintptr) int64 {
	switch size {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case 8:
		return int64(binary.LittleEndian.Uint64(buf))
	}
	return 0
}

func decodeUint(buf []byte, size uintptr) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

// EncodeRecordHeader writes the binary record-stream type header from
// spec.md §6: {uint32 type-name length, type-name bytes, padding to a
// multiple of 8 bytes}, matching the original's alignment-preserving
// header writer.
func EncodeRecordHeader(w io.Writer, typeName string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(typeName)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(typeName)); err != nil {
		return err
	}
	total := 4 + len(typeName)
	if pad := (8 - total%8) % 8; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// DecodeRecordHeader reads back a header written by EncodeRecordHeader.
func DecodeRecordHeader(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	nameLen := binary.LittleEndian.Uint32(lenBuf[:])
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", err
	}
	total := 4 + int(nameLen)
	if pad := (8 - total%8) % 8; pad > 0 {
		if _, err := io.ReadFull(r, make([]byte, pad)); err != nil {
			return "", err
		}
	}
	return string(nameBuf), nil
}
