package kanserial

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/kan-engine/kanrt/kanreflect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type colorChoices struct{}

func (colorChoices) Choices() []string { return []string{"red", "green", "blue"} }

type flagChoices struct{}

func (flagChoices) Choices() []string { return []string{"readable", "writable", "executable"} }

type innerThing struct {
	Label string `kan:"label"`
	Count int32  `kan:"count"`
}

type widget struct {
	Name     string                               `kan:"name"`
	Count    int32                                `kan:"count"`
	Weight   float64                              `kan:"weight"`
	Color    kanreflect.Enum[colorChoices]         `kan:"color"`
	Perms    kanreflect.FlagEnum[flagChoices]      `kan:"perms"`
	Tags     []string                             `kan:"tags"`
	Scores   [3]int32                              `kan:"scores"`
	Inner    innerThing                           `kan:"inner"`
	Children []innerThing                         `kan:"children"`
	Tweak    kanreflect.RawPatch                  `kan:"tweak"`
}

func newTestRegistry(t *testing.T) *kanreflect.Registry {
	t.Helper()
	reg := kanreflect.NewRegistry()
	_, err := reg.Register("widget", reflect.TypeOf(widget{}))
	require.NoError(t, err)
	return reg
}

func TestMarshalUnmarshalScalarRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	src := widget{
		Name:   "gizmo",
		Count:  7,
		Weight: 1.5,
		Color:  1,
		Tags:   []string{"a", "b"},
		Scores: [3]int32{1, 2, 3},
		Inner:  innerThing{Label: "in", Count: 9},
	}
	require.NoError(t, src.Perms.Set("readable", "executable"))

	var buf bytes.Buffer
	require.NoError(t, Marshal(&buf, reg, "widget", &src))

	var dst widget
	require.NoError(t, Unmarshal(bytes.NewReader(buf.Bytes()), reg, "widget", &dst))

	assert.Equal(t, src.Name, dst.Name)
	assert.Equal(t, src.Count, dst.Count)
	assert.Equal(t, src.Weight, dst.Weight)
	assert.Equal(t, src.Color, dst.Color)
	assert.Equal(t, src.Perms, dst.Perms)
	assert.Equal(t, src.Tags, dst.Tags)
	assert.Equal(t, src.Scores, dst.Scores)
	assert.Equal(t, src.Inner, dst.Inner)
}

func TestUnmarshalIndexedArrayElement(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"name = \"x\"\n" +
		"scores[1] = 42\n"
	var dst widget
	require.NoError(t, Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst))
	assert.Equal(t, int32(42), dst.Scores[1])
	assert.Equal(t, int32(0), dst.Scores[0])
}

func TestUnmarshalArrayAppenderBlock(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"children +{\n" +
		"    {\n" +
		"        label = \"first\"\n" +
		"        count = 1\n" +
		"    }\n" +
		"    {\n" +
		"        label = \"second\"\n" +
		"        count = 2\n" +
		"    }\n" +
		"}\n"
	var dst widget
	require.NoError(t, Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst))
	require.Len(t, dst.Children, 2)
	assert.Equal(t, "first", dst.Children[0].Label)
	assert.Equal(t, int32(2), dst.Children[1].Count)
}

func TestUnmarshalDynamicArrayBareAppender(t *testing.T) {
	reg := kanreflect.NewRegistry()
	type strList struct {
		Tags []string `kan:"tags"`
	}
	_, err := reg.Register("strList", reflect.TypeOf(strList{}))
	require.NoError(t, err)

	text := "//! strList\n" +
		"tags +{\n" +
		"    \"one\"\n" +
		"    \"two\"\n" +
		"}\n"
	var dst strList
	require.NoError(t, Unmarshal(bytes.NewReader([]byte(text)), reg, "strList", &dst))
	assert.Equal(t, []string{"one", "two"}, dst.Tags)
}

func TestUnmarshalIgnoresCommentsAndBlankLines(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"// a full-line comment\n" +
		"\n" +
		"name = \"commented\"\n"
	var dst widget
	require.NoError(t, Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst))
	assert.Equal(t, "commented", dst.Name)
}

func TestUnmarshalRejectsUnterminatedBlock(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"inner {\n" +
		"    label = \"x\"\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	require.Error(t, err)
}

func TestUnmarshalRejectsUnknownField(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\nnope = 1\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestUnmarshalRejectsHeaderMismatch(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! not_widget\nname = \"x\"\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestUnmarshalRejectsTypeMismatchOnSetter(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\ncount = \"not-a-number\"\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestBuildPatchAndApplyFlatFields(t *testing.T) {
	reg := newTestRegistry(t)
	text := "count = 99\n" +
		"weight = 2.25\n"
	patch, err := BuildPatch(bytes.NewReader([]byte(text)), reg, "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", patch.TargetType)
	require.Len(t, patch.Chunks, 2)

	instance := widget{Name: "keep-me", Count: 1, Weight: 1.0}
	require.NoError(t, ApplyPatch(reg, patch, &instance))
	assert.Equal(t, "keep-me", instance.Name)
	assert.Equal(t, int32(99), instance.Count)
	assert.Equal(t, 2.25, instance.Weight)
}

func TestBuildPatchEmbeddedAsStructField(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"tweak {\n" +
		"    __type = widget\n" +
		"    count = 5\n" +
		"}\n"
	var dst widget
	require.NoError(t, Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst))
	require.Equal(t, "widget", dst.Tweak.TargetType)
	require.Len(t, dst.Tweak.Chunks, 1)
}

func TestBuildPatchRejectsStringField(t *testing.T) {
	reg := newTestRegistry(t)
	text := "name = \"nope\"\n"
	_, err := BuildPatch(bytes.NewReader([]byte(text)), reg, "widget")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestBuildPatchRejectsArrayField(t *testing.T) {
	reg := newTestRegistry(t)
	text := "scores = 1 2 3\n"
	_, err := BuildPatch(bytes.NewReader([]byte(text)), reg, "widget")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestBuildPatchRejectsDoubleType(t *testing.T) {
	// __type is only meaningful when a patch frame starts without a
	// preset target type, which happens when a patch is embedded as a
	// struct field rather than built directly via BuildPatch.
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"tweak {\n" +
		"    __type = widget\n" +
		"    __type = widget\n" +
		"}\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrPatchTypeTwice)
}

func TestBuildPatchRejectsFieldBeforeType(t *testing.T) {
	reg := newTestRegistry(t)
	text := "//! widget\n" +
		"tweak {\n" +
		"    count = 1\n" +
		"}\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrPatchTypeUnset)
}

func TestMarshalWritesPatchAsUnresolvedChunkComment(t *testing.T) {
	reg := newTestRegistry(t)
	src := widget{
		Tweak: kanreflect.RawPatch{
			TargetType: "widget",
			Chunks: []kanreflect.PatchChunk{
				{Offset: 9999, Size: 4, Bytes: []byte{1, 2, 3, 4}},
			},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Marshal(&buf, reg, "widget", &src))
	assert.Contains(t, buf.String(), "unresolved chunk at offset 9999")
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRecordHeader(&buf, "widget"))
	assert.Equal(t, 0, buf.Len()%8)

	name, err := DecodeRecordHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "widget", name)
}

func TestRecordHeaderRoundTripEmptyName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRecordHeader(&buf, ""))
	name, err := DecodeRecordHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestMarshalBinaryUnmarshalBinaryRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	src := widget{
		Name:   "gizmo",
		Count:  7,
		Weight: 1.5,
		Color:  1,
		Tags:   []string{"a", "b"},
		Scores: [3]int32{1, 2, 3},
		Inner:  innerThing{Label: "in", Count: 9},
		Children: []innerThing{
			{Label: "first", Count: 1},
			{Label: "second", Count: 2},
		},
		Tweak: kanreflect.RawPatch{
			TargetType: "innerThing",
			Chunks: []kanreflect.PatchChunk{
				{Offset: 0, Size: 4, Bytes: []byte{1, 2, 3, 4}},
			},
		},
	}
	require.NoError(t, src.Perms.Set("readable", "executable"))

	var buf bytes.Buffer
	require.NoError(t, MarshalBinary(&buf, reg, "widget", &src))

	var dst widget
	require.NoError(t, UnmarshalBinary(bytes.NewReader(buf.Bytes()), reg, "widget", &dst))

	assert.Equal(t, src.Name, dst.Name)
	assert.Equal(t, src.Count, dst.Count)
	assert.Equal(t, src.Weight, dst.Weight)
	assert.Equal(t, src.Color, dst.Color)
	assert.Equal(t, src.Perms, dst.Perms)
	assert.Equal(t, src.Tags, dst.Tags)
	assert.Equal(t, src.Scores, dst.Scores)
	assert.Equal(t, src.Inner, dst.Inner)
	assert.Equal(t, src.Children, dst.Children)
	assert.Equal(t, src.Tweak, dst.Tweak)
}

func TestUnmarshalRequiresHeaderLine(t *testing.T) {
	reg := newTestRegistry(t)
	text := "name = \"headerless\"\n"
	var dst widget
	err := Unmarshal(bytes.NewReader([]byte(text)), reg, "widget", &dst)
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestApplyPatchRejectsOversizedChunk(t *testing.T) {
	reg := newTestRegistry(t)
	patch := &kanreflect.RawPatch{
		TargetType: "widget",
		Chunks: []kanreflect.PatchChunk{
			{Offset: uint32(reflect.TypeOf(widget{}).Size()) + 1, Size: 4, Bytes: []byte{1, 2, 3, 4}},
		},
	}
	var instance widget
	err := ApplyPatch(reg, patch, &instance)
	assert.Error(t, err)
}
