package kanresource

import (
	"github.com/kan-engine/kanrt/kanstring"
	"github.com/kan-engine/kanrt/kantime"
)

// NativeFormat is the serialization format a native resource file was
// recognised as, by extension, per spec.md §4.4's scanning algorithm.
type NativeFormat int

const (
	FormatUnknown NativeFormat = iota
	FormatBinary
	FormatReadableData
)

func (f NativeFormat) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatReadableData:
		return "readable_data"
	default:
		return "unknown"
	}
}

// entryKey addresses one discovered native resource by its reflected
// type name and resource name, the pair every request and watcher event
// is ultimately resolved against.
type entryKey struct {
	Type string
	Name string
}

// nativeEntry is one discovered native (reflection-serialized) resource,
// mirroring struct resource_provider_native_entry_t.
type nativeEntry struct {
	typeName       string
	name           string
	format         NativeFormat
	path           string
	stringRegistry *kanstring.Pool

	requestCount uint64

	loadedContainerID  uint64 // 0 = none
	loadingContainerID uint64 // 0 = none; set while a load is in flight

	reloadAfter     kantime.Nanos
	reloadScheduled bool
}

func (e *nativeEntry) key() entryKey { return entryKey{Type: e.typeName, Name: e.name} }

// thirdPartyEntry is one discovered opaque byte-blob resource, mirroring
// struct resource_provider_third_party_entry_t.
type thirdPartyEntry struct {
	name string
	size uint64
	path string

	requestCount uint64

	loadedData  []byte
	loadingData []byte

	reloadAfter     kantime.Nanos
	reloadScheduled bool
}
