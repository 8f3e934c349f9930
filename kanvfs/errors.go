// Package kanvfs implements the virtual file system volume from
// spec.md §4.2 (C2): a mount-point tree that unifies real directory
// trees and read-only sealed archives behind one hierarchical path
// namespace, with change notifications. Grounded in rclone's vfs
// package, whose mount-agnostic Dir/File tree over an arbitrary fs.Fs
// backend is the same "one namespace, many backends" shape this volume
// generalizes to "one namespace, real dirs and ropacks".
package kanvfs

import "errors"

// Error kinds from spec.md §7, scoped to the VFS.
var (
	ErrPathInvalid     = errors.New("kanvfs: path invalid")
	ErrNotFound        = errors.New("kanvfs: not found")
	ErrAlreadyExists   = errors.New("kanvfs: already exists")
	ErrNotAFile        = errors.New("kanvfs: not a file")
	ErrNotADirectory   = errors.New("kanvfs: not a directory")
	ErrReadOnly        = errors.New("kanvfs: read-only")
	ErrNotEmpty        = errors.New("kanvfs: directory not empty")
	ErrNameCollision   = errors.New("kanvfs: mount name collides with existing entry")
	ErrStreamIO        = errors.New("kanvfs: stream i/o failed")
	ErrRegistryInvalid = errors.New("kanvfs: ropack registry invalid")
)
