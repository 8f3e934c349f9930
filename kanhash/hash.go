// Package kanhash is the hashing collaborator named in spec.md §6. It is
// used by kanvfs/ropack for the file-name hash table (§4.2 "keyed by
// hash(name.extension)") and by kanresource for the (type, name) index key.
package kanhash

import "github.com/cespare/xxhash/v2"

// U64 is a 64-bit hash value.
type U64 = uint64

// String hashes s with xxhash, the same non-cryptographic hash family
// several repos in the retrieval pack already depend on (moby/moby,
// nmxmxh/inos_v1, banksean/sand all pull in cespare/xxhash transitively).
func String(s string) U64 {
	return xxhash.Sum64String(s)
}

// Bytes hashes b with xxhash.
func Bytes(b []byte) U64 {
	return xxhash.Sum64(b)
}

// NameExtension hashes a ropack file node's recomposed "name.extension"
// key per spec.md §4.2's ropack-file-naming rule.
func NameExtension(name, extension string) U64 {
	if name == "" && extension == "" {
		return String(".")
	}
	if extension == "" {
		return String(name)
	}
	return String(name + "." + extension)
}

// TypeName hashes a resource (type, name) pair into the provider's entry
// index key.
func TypeName(typeName, name string) U64 {
	h := xxhash.New()
	_, _ = h.WriteString(typeName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(name)
	return h.Sum64()
}
