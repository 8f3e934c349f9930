// Package kanreflect is the reflection registry collaborator named in
// spec.md §6: type/field/enum introspection plus user-attached per-type
// metadata, generalized from rclone's fs/config/configstruct reflective
// option-struct walker (which already turns Go struct tags plus
// reflect.Type into a field table) from "CLI backend options" to
// "serializable resource struct fields".
package kanreflect

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Archetype is the coarse kind of a reflected field, per the GLOSSARY.
type Archetype int

const (
	ArchetypeSignedInt Archetype = iota
	ArchetypeUnsignedInt
	ArchetypeFloat
	ArchetypeEnum
	ArchetypeStringPointer
	ArchetypeInternedString
	ArchetypeStruct
	ArchetypeStructPointer
	ArchetypeInlineArray
	ArchetypeDynamicArray
	ArchetypePatch
	ArchetypeExternalPointer
)

func (a Archetype) String() string {
	names := [...]string{
		"signed_int", "unsigned_int", "float", "enum", "string_pointer",
		"interned_string", "struct", "struct_pointer", "inline_array",
		"dynamic_array", "patch", "external_pointer",
	}
	if int(a) < 0 || int(a) >= len(names) {
		return "unknown"
	}
	return names[a]
}

// enumValue is implemented by kanreflect.Enum[C] and kanreflect.FlagEnum[C].
type enumValue interface {
	EnumIsFlags() bool
	EnumChoices() []string
}

// internedMarker is implemented by field types that should be archetyped
// as an interned string rather than a plain Go string. A plain
// `string`-kind field can opt into the same archetype without a marker
// type by tagging it `kan:"interned"` instead; classify honors both.
type internedMarker interface{ KanInterned() }

// RawPatch is the Go-side representation of a patch field (spec.md §3's
// "Patch frame"): a sparse overlay of byte chunks against TargetType. It
// lives in kanreflect, not kanserial, so both the registry and the
// serializer can reference the same concrete type without an import
// cycle.
type RawPatch struct {
	TargetType string
	Chunks     []PatchChunk
}

// PatchChunk is one {offset, size, bytes} overlay record, per spec.md §3.
type PatchChunk struct {
	Offset uint32
	Size   uint32
	Bytes  []byte
}

var rawPatchType = reflect.TypeOf(RawPatch{})

// EnumInfo describes a reflected enum field.
type EnumInfo struct {
	Flags   bool
	Choices []string
}

// FieldInfo describes one reflected struct field.
type FieldInfo struct {
	Name             string
	GoName           string
	Archetype        Archetype
	Offset           uintptr
	Size             uintptr
	SizeWithPadding  uintptr
	GoType           reflect.Type
	ElementArchetype Archetype
	ElementType      *TypeInfo // set when ElementArchetype is Struct/StructPointer
	ArrayLength      int       // inline array capacity; 0 for dynamic arrays
	Enum             *EnumInfo
}

// TypeInfo describes one registered reflected struct type.
type TypeInfo struct {
	Name   string
	GoType reflect.Type
	Size   uintptr
	Fields []FieldInfo

	byName map[string]int
	meta   map[string]any
}

// FieldByName looks up a field by its reflected (tag-or-Go) name.
func (t *TypeInfo) FieldByName(name string) (*FieldInfo, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.Fields[idx], true
}

// Meta returns a per-type metadata value previously attached with SetMeta.
func (t *TypeInfo) Meta(key string) (any, bool) {
	v, ok := t.meta[key]
	return v, ok
}

// ResourceTypeMetaKey is the well-known marker named in spec.md §4.5:
// "every struct carrying the well-known resource_provider_type_meta
// marker".
const ResourceTypeMetaKey = "resource_provider_type_meta"

// IsResourceType reports whether t was marked with MarkResourceType.
func (t *TypeInfo) IsResourceType() bool {
	v, ok := t.meta[ResourceTypeMetaKey]
	return ok && v == true
}

// Registry is the runtime type registry collaborator.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*TypeInfo
	byGoType  map[reflect.Type]*TypeInfo
	onAdded   []func(*TypeInfo)
	bootstrap bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*TypeInfo),
		byGoType: make(map[reflect.Type]*TypeInfo),
	}
}

// OnStructRegistered installs a hook invoked once for every struct
// already registered and again for every struct registered afterwards,
// per the DESIGN NOTES' "Generators" guidance: "a hook the reflection
// system invokes once at bootstrap and again per added struct
// thereafter". kanresource/gen does not use it; containers are
// generated by explicit gen.RegisterContainer calls.
func (r *Registry) OnStructRegistered(hook func(*TypeInfo)) {
	r.mu.Lock()
	existing := make([]*TypeInfo, 0, len(r.byName))
	for _, t := range r.byName {
		existing = append(existing, t)
	}
	r.onAdded = append(r.onAdded, hook)
	r.mu.Unlock()

	sort.Slice(existing, func(i, j int) bool { return existing[i].Name < existing[j].Name })
	for _, t := range existing {
		hook(t)
	}
}

// Lookup resolves a registered type by name.
func (r *Registry) Lookup(name string) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// MarkResourceType attaches the resource_provider_type_meta marker to an
// already-registered type.
func (r *Registry) MarkResourceType(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("kanreflect: unknown type %q", name)
	}
	t.meta[ResourceTypeMetaKey] = true
	return nil
}

// SetMeta attaches an arbitrary per-type metadata value.
func (r *Registry) SetMeta(typeName, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[typeName]
	if !ok {
		return fmt.Errorf("kanreflect: unknown type %q", typeName)
	}
	t.meta[key] = value
	return nil
}

// Register reflects goType (which must be a struct or pointer to
// struct) under name, computing field offsets, sizes and
// size-with-padding (spec.md §4.3: "the field's size extended to the
// next field's offset, or to struct end for the last field").
func (r *Registry) Register(name string, goType reflect.Type) (*TypeInfo, error) {
	for goType.Kind() == reflect.Ptr {
		goType = goType.Elem()
	}
	if goType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("kanreflect: %s is not a struct", goType)
	}

	r.mu.Lock()
	if existing, ok := r.byGoType[goType]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	info, err := r.buildType(name, goType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byName[name] = info
	r.byGoType[goType] = info
	hooks := append([]func(*TypeInfo){}, r.onAdded...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(info)
	}
	return info, nil
}

func (r *Registry) buildType(name string, goType reflect.Type) (*TypeInfo, error) {
	info := &TypeInfo{
		Name:   name,
		GoType: goType,
		Size:   goType.Size(),
		byName: make(map[string]int),
		meta:   make(map[string]any),
	}

	n := goType.NumField()
	for i := 0; i < n; i++ {
		sf := goType.Field(i)
		if sf.PkgPath != "" { // unexported
			continue
		}
		fieldName := sf.Tag.Get("kan")
		forceInterned := fieldName == "interned"
		if fieldName == "" || forceInterned {
			fieldName = sf.Name
		}

		var nextOffset uintptr
		if i+1 < n {
			nextOffset = goType.Field(i + 1).Offset
		} else {
			nextOffset = goType.Size()
		}

		fi := FieldInfo{
			Name:            fieldName,
			GoName:          sf.Name,
			Offset:          sf.Offset,
			Size:            sf.Type.Size(),
			SizeWithPadding: nextOffset - sf.Offset,
			GoType:          sf.Type,
		}

		if err := r.classify(&fi, sf.Type, forceInterned); err != nil {
			return nil, fmt.Errorf("kanreflect: field %s.%s: %w", name, sf.Name, err)
		}

		info.byName[fieldName] = len(info.Fields)
		info.Fields = append(info.Fields, fi)
	}
	return info, nil
}

func (r *Registry) classify(fi *FieldInfo, t reflect.Type, forceInterned bool) error {
	if t == rawPatchType {
		fi.Archetype = ArchetypePatch
		return nil
	}
	if ev, ok := reflect.New(t).Elem().Interface().(enumValue); ok {
		fi.Archetype = ArchetypeEnum
		fi.Enum = &EnumInfo{Flags: ev.EnumIsFlags(), Choices: ev.EnumChoices()}
		return nil
	}

	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		fi.Archetype = ArchetypeSignedInt
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		fi.Archetype = ArchetypeUnsignedInt
	case reflect.Float32, reflect.Float64:
		fi.Archetype = ArchetypeFloat
	case reflect.String:
		_, isMarker := reflect.New(t).Elem().Interface().(internedMarker)
		if isMarker || forceInterned {
			fi.Archetype = ArchetypeInternedString
		} else {
			fi.Archetype = ArchetypeStringPointer
		}
	case reflect.Array:
		fi.Archetype = ArchetypeInlineArray
		fi.ArrayLength = t.Len()
		return r.classifyElement(fi, t.Elem())
	case reflect.Slice:
		fi.Archetype = ArchetypeDynamicArray
		return r.classifyElement(fi, t.Elem())
	case reflect.Struct:
		fi.Archetype = ArchetypeStruct
		nested, err := r.buildType(fi.Name, t)
		if err != nil {
			return err
		}
		fi.ElementType = nested
	case reflect.Ptr:
		if t.Elem().Kind() == reflect.Struct {
			fi.Archetype = ArchetypeStructPointer
			nested, err := r.buildType(fi.Name, t.Elem())
			if err != nil {
				return err
			}
			fi.ElementType = nested
		} else {
			fi.Archetype = ArchetypeExternalPointer
		}
	default:
		fi.Archetype = ArchetypeExternalPointer
	}
	return nil
}

func (r *Registry) classifyElement(fi *FieldInfo, elem reflect.Type) error {
	tmp := FieldInfo{GoType: elem}
	if err := r.classify(&tmp, elem, false); err != nil {
		return err
	}
	fi.ElementArchetype = tmp.Archetype
	fi.ElementType = tmp.ElementType
	fi.Enum = tmp.Enum
	return nil
}
