package kanserial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/kan-engine/kanrt/kanreflect"
)

type frameKind int

const (
	frameStruct frameKind = iota
	framePatch
	framePatchSubStruct
	frameArrayAppender
)

// frame is the reader's block-stack entry, mirroring the source's
// reader_block_state_t union (struct / patch / patch_sub_struct), plus
// an array-appender kind for "+{" blocks.
type frame struct {
	kind frameKind

	// frameStruct
	value    reflect.Value
	typeInfo *kanreflect.TypeInfo

	// framePatch root
	patchAssignTo reflect.Value // addressable RawPatch field to fill on close; zero Value at the BuildPatch root
	patchTypeName string
	patchStruct   *kanreflect.TypeInfo

	// framePatch / framePatchSubStruct shared
	chunks *[]kanreflect.PatchChunk

	// framePatchSubStruct
	offset          uint32
	sizeWithPadding uint32
	subStruct       *kanreflect.TypeInfo

	// frameArrayAppender
	sliceValue       reflect.Value
	elementArchetype kanreflect.Archetype
	elementType      *kanreflect.TypeInfo
	elementEnum      *kanreflect.EnumInfo

	// frameStruct entries opened by a "{" line directly inside an
	// array-appender block: set to the enclosing appender frame so
	// popBlock can append the finished element to its slice.
	appendTo        *frame
	appendElemIsPtr bool
}

type reader struct {
	registry *kanreflect.Registry
	stack    []*frame
}

func (rd *reader) top() *frame { return rd.stack[len(rd.stack)-1] }
func (rd *reader) push(f *frame) { rd.stack = append(rd.stack, f) }

// Unmarshal decodes a readable-data text stream into instance, which
// must be a pointer to a struct registered under typeName.
func Unmarshal(r io.Reader, registry *kanreflect.Registry, typeName string, instance any) error {
	typeInfo, ok := registry.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("kanserial: instance must be a pointer to struct")
	}

	rd := &reader{
		registry: registry,
		stack:    []*frame{{kind: frameStruct, value: v.Elem(), typeInfo: typeInfo}},
	}
	return rd.run(r, typeName)
}

// BuildPatch decodes a readable-data text stream directly into a
// kanreflect.RawPatch targeting typeName, skipping the "__type" field
// required when a patch is embedded inside another struct's field.
func BuildPatch(r io.Reader, registry *kanreflect.Registry, typeName string) (*kanreflect.RawPatch, error) {
	structType, ok := registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	chunks := make([]kanreflect.PatchChunk, 0)
	root := &frame{
		kind:          framePatch,
		patchTypeName: typeName,
		patchStruct:   structType,
		chunks:        &chunks,
	}
	rd := &reader{registry: registry, stack: []*frame{root}}
	if err := rd.run(r, ""); err != nil {
		return nil, err
	}
	return &kanreflect.RawPatch{TargetType: typeName, Chunks: chunks}, nil
}

func (rd *reader) run(r io.Reader, expectHeader string) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	sawHeader := false
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "//") && !strings.HasPrefix(trimmed, "//!") {
			continue
		}

		stmt, err := parseLine(raw)
		if err != nil {
			return fmt.Errorf("kanserial: line %d: %w", lineNo, err)
		}

		if stmt.kind == stmtHeader {
			if lineNo != 1 {
				return fmt.Errorf("kanserial: line %d: %w: header only allowed as first line", lineNo, ErrMalformedLine)
			}
			if expectHeader != "" && stmt.typeName != expectHeader {
				return fmt.Errorf("kanserial: line %d: %w: header type %q does not match requested %q",
					lineNo, ErrTypeMismatch, stmt.typeName, expectHeader)
			}
			sawHeader = true
			continue
		}

		if err := rd.apply(stmt); err != nil {
			return fmt.Errorf("kanserial: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if expectHeader != "" && !sawHeader {
		return fmt.Errorf("kanserial: %w: stream missing required %q header", ErrMalformedLine, expectHeader)
	}
	if len(rd.stack) != 1 {
		return fmt.Errorf("%w: unterminated block", ErrFailed)
	}
	return nil
}

func (rd *reader) apply(stmt statement) error {
	switch stmt.kind {
	case stmtBlockEnd:
		return rd.popBlock()
	case stmtStructuralBegin:
		return rd.beginStructural(stmt.target)
	case stmtArrayAppenderBegin:
		return rd.beginArrayAppender(stmt.target)
	case stmtElemental:
		return rd.applyElemental(stmt.target, stmt.values)
	case stmtBareValue:
		return rd.applyBareValue(stmt.bare)
	}
	return fmt.Errorf("%w: unrecognized statement", ErrMalformedLine)
}

// resolveLocalField walks a dotted output target through nested plain
// structs (not patches), mirroring kan_reflection_registry_query_local_field.
func resolveLocalField(t *kanreflect.TypeInfo, target outputTarget) (*kanreflect.FieldInfo, uint32, error) {
	var absOffset uint32
	current := t
	for i, part := range target.parts {
		fi, ok := current.FieldByName(part)
		if !ok {
			return nil, 0, ErrUnknownField
		}
		if i == len(target.parts)-1 {
			return fi, absOffset + uint32(fi.Offset), nil
		}
		if fi.Archetype != kanreflect.ArchetypeStruct && fi.Archetype != kanreflect.ArchetypeStructPointer {
			return nil, 0, ErrUnknownField
		}
		absOffset += uint32(fi.Offset)
		current = fi.ElementType
	}
	return nil, 0, ErrUnknownField
}

func (rd *reader) popBlock() error {
	if len(rd.stack) <= 1 {
		return fmt.Errorf("%w: unmatched \"}\"", ErrMalformedLine)
	}
	top := rd.stack[len(rd.stack)-1]
	rd.stack = rd.stack[:len(rd.stack)-1]

	if top.kind == framePatch && top.patchAssignTo.IsValid() {
		if top.patchStruct == nil {
			return ErrPatchTypeUnset
		}
		top.patchAssignTo.Set(reflect.ValueOf(kanreflect.RawPatch{
			TargetType: top.patchTypeName,
			Chunks:     *top.chunks,
		}))
	}

	if top.kind == frameStruct && top.appendTo != nil {
		elem := top.value
		if top.appendElemIsPtr {
			ptr := reflect.New(top.typeInfo.GoType)
			ptr.Elem().Set(top.value)
			elem = ptr
		}
		top.appendTo.sliceValue.Set(reflect.Append(top.appendTo.sliceValue, elem))
	}
	return nil
}

func (rd *reader) beginStructural(target outputTarget) error {
	top := rd.top()
	switch top.kind {
	case frameStruct:
		fi, absOffset, err := resolveLocalField(top.typeInfo, target)
		if err != nil {
			return err
		}
		switch fi.Archetype {
		case kanreflect.ArchetypeStruct:
			nested := top.value.FieldByName(fi.GoName)
			rd.push(&frame{kind: frameStruct, value: nested, typeInfo: fi.ElementType})
			return nil
		case kanreflect.ArchetypeStructPointer:
			nested := top.value.FieldByName(fi.GoName)
			if nested.IsNil() {
				nested.Set(reflect.New(fi.GoType.Elem()))
			}
			rd.push(&frame{kind: frameStruct, value: nested.Elem(), typeInfo: fi.ElementType})
			return nil
		case kanreflect.ArchetypePatch:
			chunks := make([]kanreflect.PatchChunk, 0)
			rd.push(&frame{
				kind:          framePatch,
				patchAssignTo: top.value.FieldByName(fi.GoName),
				chunks:        &chunks,
			})
			_ = absOffset
			return nil
		default:
			return ErrTypeMismatch
		}

	case framePatch, framePatchSubStruct:
		structType := rd.patchTargetStruct(top)
		if structType == nil {
			return ErrPatchTypeUnset
		}
		fi, localOffset, err := resolveLocalField(structType, target)
		if err != nil {
			return err
		}
		if fi.Archetype != kanreflect.ArchetypeStruct && fi.Archetype != kanreflect.ArchetypeStructPointer {
			return ErrTypeMismatch
		}
		var base uint32
		if top.kind == framePatchSubStruct {
			base = top.offset
		}
		rd.push(&frame{
			kind:            framePatchSubStruct,
			chunks:          top.chunks,
			offset:          base + localOffset,
			sizeWithPadding: uint32(fi.SizeWithPadding),
			subStruct:       fi.ElementType,
		})
		return nil
	case frameArrayAppender:
		if !(len(target.parts) == 1 && target.parts[0] == "") {
			return fmt.Errorf("%w: struct-element array entries take no output target", ErrMalformedLine)
		}
		if top.elementArchetype != kanreflect.ArchetypeStruct && top.elementArchetype != kanreflect.ArchetypeStructPointer {
			return ErrTypeMismatch
		}
		isPtr := top.elementArchetype == kanreflect.ArchetypeStructPointer
		elemGoType := top.elementType.GoType
		elemValue := reflect.New(elemGoType).Elem()
		rd.push(&frame{
			kind:            frameStruct,
			value:           elemValue,
			typeInfo:        top.elementType,
			appendTo:        top,
			appendElemIsPtr: isPtr,
		})
		return nil
	default:
		return ErrTypeMismatch
	}
}

// patchTargetStruct resolves the struct type fields are currently being
// read against within a patch or patch-sub-struct frame.
func (rd *reader) patchTargetStruct(f *frame) *kanreflect.TypeInfo {
	if f.kind == framePatchSubStruct {
		return f.subStruct
	}
	return f.patchStruct
}

func (rd *reader) beginArrayAppender(target outputTarget) error {
	top := rd.top()
	if top.kind != frameStruct {
		return ErrArraySetNotHere
	}
	fi, _, err := resolveLocalField(top.typeInfo, target)
	if err != nil {
		return err
	}
	if fi.Archetype != kanreflect.ArchetypeDynamicArray {
		return ErrTypeMismatch
	}
	sliceField := top.value.FieldByName(fi.GoName)
	rd.push(&frame{
		kind:             frameArrayAppender,
		sliceValue:       sliceField,
		elementArchetype: fi.ElementArchetype,
		elementType:      fi.ElementType,
		elementEnum:      fi.Enum,
	})
	return nil
}

func (rd *reader) applyBareValue(v value) error {
	top := rd.top()
	if top.kind != frameArrayAppender {
		return fmt.Errorf("%w: bare value outside an array-appender block", ErrMalformedLine)
	}
	elem := reflect.New(top.sliceValue.Type().Elem()).Elem()
	if err := assignScalar(elem, top.elementArchetype, top.elementEnum, []value{v}); err != nil {
		return err
	}
	top.sliceValue.Set(reflect.Append(top.sliceValue, elem))
	return nil
}

func (rd *reader) applyElemental(target outputTarget, values []value) error {
	top := rd.top()
	switch top.kind {
	case frameStruct:
		return rd.applyElementalToStruct(top, target, values)
	case framePatch, framePatchSubStruct:
		return rd.applyElementalToPatch(top, target, values)
	default:
		return fmt.Errorf("%w: elemental setter inside array-appender block", ErrMalformedLine)
	}
}

func (rd *reader) applyElementalToStruct(top *frame, target outputTarget, values []value) error {
	fi, _, err := resolveLocalField(top.typeInfo, target)
	if err != nil {
		return err
	}
	base := top.value.FieldByName(fi.GoName)

	if fi.Archetype == kanreflect.ArchetypeInlineArray || fi.Archetype == kanreflect.ArchetypeDynamicArray {
		return assignArray(base, fi, target, values)
	}
	if target.hasIndex {
		return fmt.Errorf("%w: index on non-array field", ErrTypeMismatch)
	}
	return assignScalar(base, fi.Archetype, fi.Enum, values)
}

func (rd *reader) applyElementalToPatch(top *frame, target outputTarget, values []value) error {
	// "__type" is only meaningful at the patch root, before its struct type
	// is known from context (BuildPatch presets it, so this path is mostly
	// exercised when a patch is embedded as a struct field).
	if top.kind == framePatch && top.patchStruct == nil {
		if len(target.parts) == 1 && target.parts[0] == "__type" {
			if len(values) != 1 || values[0].kind != valueIdentifier {
				return fmt.Errorf("%w: __type must be a single identifier", ErrMalformedLine)
			}
			structType, ok := rd.registry.Lookup(values[0].identifier)
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownType, values[0].identifier)
			}
			top.patchTypeName = values[0].identifier
			top.patchStruct = structType
			return nil
		}
		return ErrPatchTypeUnset
	}
	if top.kind == framePatch && len(target.parts) == 1 && target.parts[0] == "__type" {
		return ErrPatchTypeTwice
	}

	structType := rd.patchTargetStruct(top)
	fi, localOffset, err := resolveLocalField(structType, target)
	if err != nil {
		return err
	}
	if fi.Archetype == kanreflect.ArchetypeStringPointer || fi.Archetype == kanreflect.ArchetypeInternedString {
		return fmt.Errorf("%w: strings cannot be set inside a patch", ErrTypeMismatch)
	}
	if fi.Archetype == kanreflect.ArchetypeStruct || fi.Archetype == kanreflect.ArchetypeStructPointer ||
		fi.Archetype == kanreflect.ArchetypeInlineArray || fi.Archetype == kanreflect.ArchetypeDynamicArray {
		return fmt.Errorf("%w: only scalar fields can be patched elementally", ErrTypeMismatch)
	}

	scratch := reflect.New(fi.GoType).Elem()
	if err := assignScalar(scratch, fi.Archetype, fi.Enum, values); err != nil {
		return err
	}

	absOffset := localOffset
	size := uint32(fi.SizeWithPadding)
	if top.kind == framePatchSubStruct {
		if localOffset+size == uint32(structType.Size) {
			size = top.sizeWithPadding - localOffset
		}
		absOffset = top.offset + localOffset
	}

	bytes, err := encodeScalarBytes(scratch, fi.Archetype, fi.Size)
	if err != nil {
		return err
	}
	if uint32(len(bytes)) < size {
		padded := make([]byte, size)
		copy(padded, bytes)
		bytes = padded
	}
	*top.chunks = append(*top.chunks, kanreflect.PatchChunk{Offset: absOffset, Size: size, Bytes: bytes})
	return nil
}

func assignArray(field reflect.Value, fi *kanreflect.FieldInfo, target outputTarget, values []value) error {
	if target.hasIndex {
		if fi.Archetype == kanreflect.ArchetypeInlineArray {
			if target.arrayIndex < 0 || target.arrayIndex >= fi.ArrayLength {
				return fmt.Errorf("%w: array index out of range", ErrTypeMismatch)
			}
		} else if target.arrayIndex < 0 {
			return fmt.Errorf("%w: negative array index", ErrTypeMismatch)
		}
		if fi.Archetype == kanreflect.ArchetypeDynamicArray {
			for field.Len() <= target.arrayIndex {
				field.Set(reflect.Append(field, reflect.Zero(field.Type().Elem())))
			}
		}
		elem := field.Index(target.arrayIndex)
		return assignScalar(elem, fi.ElementArchetype, fi.Enum, values)
	}

	if fi.Archetype == kanreflect.ArchetypeInlineArray {
		if len(values) > fi.ArrayLength {
			return fmt.Errorf("%w: too many values for inline array", ErrTypeMismatch)
		}
		for i, v := range values {
			if err := assignScalar(field.Index(i), fi.ElementArchetype, fi.Enum, []value{v}); err != nil {
				return err
			}
		}
		return nil
	}

	slice := reflect.MakeSlice(field.Type(), len(values), len(values))
	for i, v := range values {
		if err := assignScalar(slice.Index(i), fi.ElementArchetype, fi.Enum, []value{v}); err != nil {
			return err
		}
	}
	field.Set(slice)
	return nil
}

func assignScalar(dst reflect.Value, archetype kanreflect.Archetype, enum *kanreflect.EnumInfo, values []value) error {
	switch archetype {
	case kanreflect.ArchetypeSignedInt:
		if len(values) != 1 || values[0].kind != valueInteger {
			return fmt.Errorf("%w: expected a single integer", ErrTypeMismatch)
		}
		dst.SetInt(values[0].integer)
		return nil
	case kanreflect.ArchetypeUnsignedInt:
		if len(values) != 1 || values[0].kind != valueInteger || values[0].integer < 0 {
			return fmt.Errorf("%w: expected a single non-negative integer", ErrTypeMismatch)
		}
		dst.SetUint(uint64(values[0].integer))
		return nil
	case kanreflect.ArchetypeFloat:
		if len(values) != 1 {
			return fmt.Errorf("%w: expected a single floating value", ErrTypeMismatch)
		}
		switch values[0].kind {
		case valueFloating:
			dst.SetFloat(values[0].floating)
		case valueInteger:
			dst.SetFloat(float64(values[0].integer))
		default:
			return fmt.Errorf("%w: expected a single floating value", ErrTypeMismatch)
		}
		return nil
	case kanreflect.ArchetypeStringPointer, kanreflect.ArchetypeInternedString:
		if len(values) != 1 {
			return fmt.Errorf("%w: expected a single string", ErrTypeMismatch)
		}
		switch values[0].kind {
		case valueString:
			dst.SetString(values[0].str)
		case valueIdentifier:
			dst.SetString(values[0].identifier)
		default:
			return fmt.Errorf("%w: string fields accept only string or identifier setters", ErrTypeMismatch)
		}
		return nil
	case kanreflect.ArchetypeEnum:
		return assignEnum(dst, enum, values)
	}
	return fmt.Errorf("%w: archetype %s does not support elemental setters", ErrTypeMismatch, archetype)
}

func assignEnum(dst reflect.Value, enum *kanreflect.EnumInfo, values []value) error {
	if enum == nil {
		return fmt.Errorf("%w: missing enum metadata", ErrFailed)
	}
	if enum.Flags {
		var flags int64
		for _, v := range values {
			if v.kind != valueIdentifier {
				return fmt.Errorf("%w: flag enum setters must be identifiers", ErrTypeMismatch)
			}
			idx := indexOf(enum.Choices, v.identifier)
			if idx < 0 {
				return fmt.Errorf("%w: unknown enum choice %q", ErrTypeMismatch, v.identifier)
			}
			flags |= int64(1) << uint(idx)
		}
		dst.SetInt(flags)
		return nil
	}
	if len(values) != 1 || values[0].kind != valueIdentifier {
		return fmt.Errorf("%w: enum setters must be a single identifier", ErrTypeMismatch)
	}
	idx := indexOf(enum.Choices, values[0].identifier)
	if idx < 0 {
		return fmt.Errorf("%w: unknown enum choice %q", ErrTypeMismatch, values[0].identifier)
	}
	dst.SetInt(int64(idx))
	return nil
}

func indexOf(choices []string, name string) int {
	for i, c := range choices {
		if c == name {
			return i
		}
	}
	return -1
}

func encodeScalarBytes(v reflect.Value, archetype kanreflect.Archetype, size uintptr) ([]byte, error) {
	buf := make([]byte, size)
	switch archetype {
	case kanreflect.ArchetypeSignedInt, kanreflect.ArchetypeEnum:
		putInt(buf, v.Int(), size)
	case kanreflect.ArchetypeUnsignedInt:
		putUint(buf, v.Uint(), size)
	case kanreflect.ArchetypeFloat:
		switch size {
		case 4:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v.Float())))
		case 8:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Float()))
		default:
			return nil, fmt.Errorf("%w: unsupported float size", ErrFailed)
		}
	default:
		return nil, fmt.Errorf("%w: archetype %s cannot be patched", ErrTypeMismatch, archetype)
	}
	return buf, nil
}

func putInt(buf []byte, value int64, size uintptr) {
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	}
}

func putUint(buf []byte, value uint64, size uintptr) {
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	}
}
