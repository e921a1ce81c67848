// Package policy parses the binary File Access Manifest (FAM) into an
// immutable tree and resolves per-path policy cursors against it.
package policy

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"

	"sandboxrunner/sberrors"
)

// NodeFlags are the per-node policy bits carried by a FAM record.
type NodeFlags uint32

const (
	FlagAllowRead NodeFlags = 1 << iota
	FlagAllowWrite
	FlagAllowProbe
	FlagAllowSymlinkCreation
	FlagOverrideAllowWriteForExistingFiles
	FlagReportDirectoryEnumeration
	FlagReport
	FlagReportExplicit
	FlagAllowCreateDirectory
	// FlagScopeAllDescendantsReport marks a node whose "report" scope is
	// inherited by every descendant cursor, matched or truncated.
	FlagScopeAllDescendantsReport
)

// GlobalFlags are manifest-wide switches, independent of any single node.
type GlobalFlags uint32

const (
	GlobalFailUnexpectedAccesses GlobalFlags = 1 << iota
	GlobalMonitorChildProcesses
	GlobalReportProcessArgs
	GlobalUnconditionallyEnablePTrace
	GlobalEnforceDirectoryCreation
)

// BreakawayEntry is one row of the breakaway table: an executable name with
// an optional argument substring, matched at exec commit time.
type BreakawayEntry struct {
	ExecutableName  string
	ArgumentSubstr  string
	CaseInsensitive bool
}

// node is one FAM tree record, keyed by path atom among its siblings.
type node struct {
	atom     string
	flags    NodeFlags
	children map[string]*node
}

// Tree is the immutable, parsed File Access Manifest.
type Tree struct {
	root        *node
	Global      GlobalFlags
	Breakaway   []BreakawayEntry
	ReportCount bool
}

// Cursor is the result of a path lookup: the deepest matched node along the
// path, plus whether the path continued past the tree (truncated, meaning
// inherited policy applies to everything below the matched node).
type Cursor struct {
	flags     NodeFlags
	truncated bool
	matched   bool
}

// Flags returns the effective policy flags of the cursor: the matched
// node's own flags, OR'd with any scope flags inherited along the path to
// the root (per spec.md §4.1's "logical OR of the node's flags with any
// scope flags inherited from ancestors").
func (c Cursor) Flags() NodeFlags { return c.flags }

// Truncated reports whether the lookup ran out of tree before it ran out
// of path atoms; inherited policy governs the remainder.
func (c Cursor) Truncated() bool { return c.truncated }

// Matched reports whether any node at all was found (false only when the
// tree is nil or has no root, whatever path is looked up, "/" included).
func (c Cursor) Matched() bool { return c.matched }

// Has reports whether all of the given flags are set on the cursor.
func (c Cursor) Has(f NodeFlags) bool { return c.flags&f == f }

// NewCursor builds a cursor directly from flags, bypassing a tree lookup.
// Used to construct synthetic cursors (e.g. the always-allow cursor for
// the manifest's own init-fork event) and by callers in other packages
// that need a fixture cursor without parsing a FAM.
func NewCursor(flags NodeFlags, truncated bool) Cursor {
	return Cursor{flags: flags, truncated: truncated, matched: true}
}

// splitAtoms splits a path into its '/'-delimited atoms, dropping the
// leading empty atom produced by an absolute path's leading slash.
func splitAtoms(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Lookup walks the atoms of path against the tree and returns the deepest
// matching cursor. An empty tree returns an unmatched, non-truncated cursor.
func (t *Tree) Lookup(path string) Cursor {
	if t == nil || t.root == nil {
		return Cursor{}
	}

	cur := t.root
	flags := cur.flags
	matched := true
	atoms := splitAtoms(path)

	for _, atom := range atoms {
		key := atom
		if cur.children == nil {
			return Cursor{flags: flags, truncated: true, matched: matched}
		}
		next, ok := cur.children[key]
		if !ok {
			return Cursor{flags: flags, truncated: true, matched: matched}
		}
		cur = next
		flags = cur.flags | (flags & scopeInheritedMask)
	}
	return Cursor{flags: flags, truncated: false, matched: matched}
}

// scopeInheritedMask is the subset of NodeFlags that, once set on an
// ancestor, continues to apply (OR'd in) to every descendant cursor
// regardless of what the descendant node itself declares.
const scopeInheritedMask = FlagScopeAllDescendantsReport

// Parse reads a length-prefixed, tree-serialized FAM payload and builds the
// immutable policy tree plus global flags and breakaway table.
//
// Wire format (written by the orchestrator's FAM encoder, out of scope
// here): a header of global flags (uint32) and report-count flag (byte),
// a breakaway table (uint32 count, then for each entry: two
// length-prefixed strings plus a case-sensitivity byte), then the node
// tree itself, serialized depth-first: for each node, a length-prefixed
// atom string, a uint32 flags word, a uint32 child count, then the
// children recursively.
func Parse(r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)

	var globalWord uint32
	if err := binary.Read(br, binary.LittleEndian, &globalWord); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read global flags")
	}
	reportCountByte, err := br.ReadByte()
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read report-count flag")
	}

	breakaway, err := readBreakawayTable(br)
	if err != nil {
		return nil, err
	}

	root, err := readNode(br)
	if err != nil {
		return nil, err
	}

	return &Tree{
		root:        root,
		Global:      GlobalFlags(globalWord),
		Breakaway:   breakaway,
		ReportCount: reportCountByte != 0,
	}, nil
}

func readBreakawayTable(br *bufio.Reader) ([]BreakawayEntry, error) {
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read breakaway count")
	}
	entries := make([]BreakawayEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readLPString(br)
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read breakaway name")
		}
		argSub, err := readLPString(br)
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read breakaway arg substring")
		}
		caseByte, err := br.ReadByte()
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read breakaway case flag")
		}
		entries = append(entries, BreakawayEntry{
			ExecutableName:  name,
			ArgumentSubstr:  argSub,
			CaseInsensitive: caseByte != 0,
		})
	}
	return entries, nil
}

func readNode(br *bufio.Reader) (*node, error) {
	atom, err := readLPString(br)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read node atom")
	}
	var flags uint32
	if err := binary.Read(br, binary.LittleEndian, &flags); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read node flags")
	}
	var childCount uint32
	if err := binary.Read(br, binary.LittleEndian, &childCount); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrManifestPayload, "read child count")
	}

	n := &node{atom: atom, flags: NodeFlags(flags)}
	if childCount > 0 {
		n.children = make(map[string]*node, childCount)
		for i := uint32(0); i < childCount; i++ {
			child, err := readNode(br)
			if err != nil {
				return nil, err
			}
			n.children[child.atom] = child
		}
	}
	return n, nil
}

func readLPString(br *bufio.Reader) (string, error) {
	var length uint32
	if err := binary.Read(br, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
