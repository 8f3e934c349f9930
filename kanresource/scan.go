package kanresource

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/kan-engine/kanrt/kanlog"
	"github.com/kan-engine/kanrt/kanserial"
	"github.com/kan-engine/kanrt/kanstream"
	"github.com/kan-engine/kanrt/kanstring"
	"github.com/kan-engine/kanrt/kantime"
	"github.com/kan-engine/kanrt/kanvfs"
)

// tickScan drives spec.md §4.4's scanning algorithm under the scan
// budget: "while under scan budget", step whatever is currently open
// (an index, or a string-registry companion), else pop the next DFS
// task.
func (p *Provider) tickScan() {
	p.mu.Lock()
	defer p.mu.Unlock()

	begin := p.clock.NowNanos()
	for {
		if kantime.Deadline(p.clock.NowNanos(), begin, p.cfg.ScanBudgetNS) {
			return
		}
		if p.indexRead != nil {
			p.stepIndexReadLocked()
			continue
		}
		if len(p.scanStack) == 0 {
			p.finishScanLocked()
			return
		}
		p.stepScanStackLocked()
	}
}

func (p *Provider) finishScanLocked() {
	p.status = StatusServing
	if p.cfg.ObserveFileSystem {
		p.watcher = kanvfs.NewWatcher(p.volume, p.cfg.RootPath)
		p.watcherIter = p.watcher.NewIterator()
	}
	kanlog.Infof(p, "scan complete: %d native, %d third-party", len(p.native), len(p.thirdParty))
}

// stepScanStackLocked pops one DFS entry: if its directory carries the
// well-known index file, that directory is deferred to stepIndexReadLocked;
// otherwise every child is either pushed (subdirectory) or registered
// directly (a loose file), per spec.md §4.4.
func (p *Provider) stepScanStackLocked() {
	n := len(p.scanStack)
	task := p.scanStack[n-1]
	p.scanStack = p.scanStack[:n-1]

	indexPath := joinScanPath(task.path, indexFileName)
	if p.volume.CheckExistence(indexPath) {
		p.indexRead = &indexReadState{dirPath: task.path}
		return
	}

	it, err := p.volume.OpenIterator(task.path)
	if err != nil {
		kanlog.Errorf(p, "scan %q: %v", task.path, err)
		return
	}
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		childPath := joinScanPath(task.path, entry.Name)
		if entry.Kind == kanvfs.EntryDirectory {
			p.scanStack = append(p.scanStack, scanItemTask{path: childPath})
			continue
		}
		p.registerLooseFileLocked(childPath, entry.Name)
	}
}

// stepIndexReadLocked completes the (atomic, in this implementation)
// read of the current directory's companion string registry and index
// file, per spec.md §4.4's "if an index binary is open... if a
// string-registry file is open..." steps.
func (p *Provider) stepIndexReadLocked() {
	st := p.indexRead
	p.indexRead = nil

	regPath := joinScanPath(st.dirPath, stringRegistryFileName)
	var registry *kanstring.Pool
	if p.volume.CheckExistence(regPath) {
		pool, err := loadStringRegistry(p.volume, regPath)
		if err != nil {
			kanlog.Errorf(p, "string registry %q: %v, skipping directory", regPath, err)
			return
		}
		registry = pool
		p.loadedRegistries = append(p.loadedRegistries, pool)
	}

	indexPath := joinScanPath(st.dirPath, indexFileName)
	stream, err := p.volume.OpenForRead(indexPath)
	if err != nil {
		kanlog.Errorf(p, "index %q: %v", indexPath, err)
		return
	}
	defer stream.Close()

	entries, err := parseIndexFile(stream)
	if err != nil {
		kanlog.Errorf(p, "index %q: %v", indexPath, err)
		return
	}
	for _, e := range entries {
		if e.thirdParty {
			p.registerThirdPartyLocked(e.name, joinScanPath(st.dirPath, e.path), e.size)
			continue
		}
		p.registerNativeLocked(e.typeName, e.name, e.format, joinScanPath(st.dirPath, e.path), registry)
	}
}

// registerLooseFileLocked classifies a file found without an index by
// extension, per spec.md §4.4: ".bin" -> binary, ".rd" -> readable-data,
// anything else is a third-party entry sized by QueryEntry.
func (p *Provider) registerLooseFileLocked(path, name string) {
	format := formatFromExtension(name)
	if format == FormatUnknown {
		info, err := p.volume.QueryEntry(path)
		if err != nil {
			kanlog.Errorf(p, "stat %q: %v", path, err)
			return
		}
		p.registerThirdPartyLocked(strippedName(name), path, uint64(info.Size))
		return
	}

	stream, err := p.volume.OpenForRead(path)
	if err != nil {
		kanlog.Errorf(p, "open %q: %v", path, err)
		return
	}
	typeName, err := peekNativeTypeName(stream, format)
	stream.Close()
	if err != nil {
		kanlog.Errorf(p, "read header %q: %v", path, err)
		return
	}
	p.registerNativeLocked(typeName, strippedName(name), format, path, nil)
}

func (p *Provider) registerNativeLocked(typeName, name string, format NativeFormat, path string, registry *kanstring.Pool) {
	key := entryKey{Type: typeName, Name: name}
	p.native[key] = &nativeEntry{
		typeName:       typeName,
		name:           name,
		format:         format,
		path:           path,
		stringRegistry: registry,
	}
}

func (p *Provider) registerThirdPartyLocked(name, path string, size uint64) {
	p.thirdParty[name] = &thirdPartyEntry{name: name, size: size, path: path}
}

func formatFromExtension(name string) NativeFormat {
	switch {
	case strings.HasSuffix(name, ".bin"):
		return FormatBinary
	case strings.HasSuffix(name, ".rd"):
		return FormatReadableData
	default:
		return FormatUnknown
	}
}

func strippedName(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name
	}
	return name[:idx]
}

func joinScanPath(dir, leaf string) string {
	if dir == "" || dir == "/" {
		return leaf
	}
	return strings.TrimRight(dir, "/") + "/" + leaf
}

// peekNativeTypeName reads the start of a native resource stream to
// recover its type name (the readable-data path reads ahead through a
// bufio.Scanner, so the stream position afterwards is not defined): the
// binary record header (spec.md §6) for .bin files, or the
// "//! <type>" header line kanserial.Marshal writes for .rd files.
func peekNativeTypeName(stream kanstream.Stream, format NativeFormat) (string, error) {
	switch format {
	case FormatBinary:
		return kanserial.DecodeRecordHeader(stream)
	case FormatReadableData:
		scanner := bufio.NewScanner(stream)
		if !scanner.Scan() {
			return "", scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		return strings.TrimSpace(strings.TrimPrefix(line, "//!")), nil
	default:
		return "", kanserial.ErrUnknownType
	}
}

type indexFileEntry struct {
	thirdParty bool
	typeName   string
	name       string
	format     NativeFormat
	path       string
	size       uint64
}

// parseIndexFile reads the resource index's line-based listing: each
// line is either "native <type> <name> <format> <path>" or
// "thirdparty <name> <size> <path>". The index's own wire format was
// not present in the retrieved original source (only its file-name
// constants are referenced there), so this grammar is original; see
// DESIGN.md.
func parseIndexFile(stream kanstream.Stream) ([]indexFileEntry, error) {
	scanner := bufio.NewScanner(stream)
	var out []indexFileEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "native":
			if len(fields) != 5 {
				continue
			}
			out = append(out, indexFileEntry{
				typeName: fields[1],
				name:     fields[2],
				format:   nativeFormatFromToken(fields[3]),
				path:     fields[4],
			})
		case "thirdparty":
			if len(fields) != 4 {
				continue
			}
			size, _ := strconv.ParseUint(fields[2], 10, 64)
			out = append(out, indexFileEntry{thirdParty: true, name: fields[1], size: size, path: fields[3]})
		}
	}
	return out, scanner.Err()
}

func nativeFormatFromToken(tok string) NativeFormat {
	switch tok {
	case "binary":
		return FormatBinary
	case "readable_data":
		return FormatReadableData
	default:
		return FormatUnknown
	}
}

// loadStringRegistry reads a companion string-registry file: one
// interned string per line, in stable order, per spec.md §4.4's
// "carry the registry handle into the subsequent index reader".
func loadStringRegistry(v volumeReader, path string) (*kanstring.Pool, error) {
	stream, err := v.OpenForRead(path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	pool := kanstring.NewPool()
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		pool.Intern(line)
	}
	return pool, scanner.Err()
}

// volumeReader is the minimal surface loadStringRegistry needs, kept
// separate from *kanvfs.Volume so it can be exercised with a fake in
// tests without standing up a real volume.
type volumeReader interface {
	OpenForRead(path string) (kanstream.Stream, error)
}
