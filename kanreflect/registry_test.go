package kanreflect

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modeChoices struct{}

func (modeChoices) Choices() []string { return []string{"R", "W", "X"} }

type weaponMode = FlagEnum[modeChoices]

type nestedT struct {
	X int32
	Y int32
}

type weaponT struct {
	A    int32
	Name string
	Mode weaponMode
	Arr  [3]int32
	Dyn  []int32
	Pos  nestedT
}

func TestRegisterComputesFieldsAndPadding(t *testing.T) {
	r := NewRegistry()
	info, err := r.Register("weapon_t", reflect.TypeOf(weaponT{}))
	require.NoError(t, err)
	assert.Equal(t, "weapon_t", info.Name)

	a, ok := info.FieldByName("A")
	require.True(t, ok)
	assert.Equal(t, ArchetypeSignedInt, a.Archetype)
	assert.Equal(t, uintptr(0), a.Offset)

	name, ok := info.FieldByName("Name")
	require.True(t, ok)
	assert.Equal(t, ArchetypeStringPointer, name.Archetype)

	mode, ok := info.FieldByName("Mode")
	require.True(t, ok)
	assert.Equal(t, ArchetypeEnum, mode.Archetype)
	require.NotNil(t, mode.Enum)
	assert.True(t, mode.Enum.Flags)
	assert.Equal(t, []string{"R", "W", "X"}, mode.Enum.Choices)

	arr, ok := info.FieldByName("Arr")
	require.True(t, ok)
	assert.Equal(t, ArchetypeInlineArray, arr.Archetype)
	assert.Equal(t, 3, arr.ArrayLength)
	assert.Equal(t, ArchetypeSignedInt, arr.ElementArchetype)

	dyn, ok := info.FieldByName("Dyn")
	require.True(t, ok)
	assert.Equal(t, ArchetypeDynamicArray, dyn.Archetype)

	pos, ok := info.FieldByName("Pos")
	require.True(t, ok)
	assert.Equal(t, ArchetypeStruct, pos.Archetype)
	require.NotNil(t, pos.ElementType)
	_, ok = pos.ElementType.FieldByName("X")
	assert.True(t, ok)

	// Last field's size-with-padding must reach struct end.
	last := info.Fields[len(info.Fields)-1]
	assert.Equal(t, info.Size, last.Offset+last.SizeWithPadding)
}

func TestMarkResourceType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("weapon_t", reflect.TypeOf(weaponT{}))
	require.NoError(t, err)

	require.NoError(t, r.MarkResourceType("weapon_t"))
	info, _ := r.Lookup("weapon_t")
	assert.True(t, info.IsResourceType())
}

func TestOnStructRegisteredFiresForExistingAndNew(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("weapon_t", reflect.TypeOf(weaponT{}))
	require.NoError(t, err)

	var seen []string
	r.OnStructRegistered(func(ti *TypeInfo) {
		seen = append(seen, ti.Name)
	})
	assert.Equal(t, []string{"weapon_t"}, seen)

	type armorT struct{ Defense int32 }
	_, err = r.Register("armor_t", reflect.TypeOf(armorT{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"weapon_t", "armor_t"}, seen)
}

func TestPatchArchetype(t *testing.T) {
	type patchHolder struct {
		Overlay RawPatch
	}
	r := NewRegistry()
	info, err := r.Register("patch_holder", reflect.TypeOf(patchHolder{}))
	require.NoError(t, err)
	f, ok := info.FieldByName("Overlay")
	require.True(t, ok)
	assert.Equal(t, ArchetypePatch, f.Archetype)
}

func TestInternedTagOverridesPlainStringArchetype(t *testing.T) {
	type labelHolder struct {
		Name string `kan:"interned"`
	}
	r := NewRegistry()
	info, err := r.Register("label_holder", reflect.TypeOf(labelHolder{}))
	require.NoError(t, err)
	f, ok := info.FieldByName("Name")
	require.True(t, ok)
	assert.Equal(t, ArchetypeInternedString, f.Archetype)
}

func TestFlagEnumSetAndHas(t *testing.T) {
	var m weaponMode
	require.NoError(t, m.Set("R", "X"))
	assert.True(t, m.Has("R"))
	assert.True(t, m.Has("X"))
	assert.False(t, m.Has("W"))
	assert.Equal(t, "R|X", m.String())
}
