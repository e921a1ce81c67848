package policy

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func writeLPString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

// nodeFixture describes one FAM node and its children; writeTree
// serializes it depth-first the way Parse reads it, so tests build small
// trees without hand-computing child counts.
type nodeFixture struct {
	atom     string
	flags    NodeFlags
	children []nodeFixture
}

func writeTree(buf *bytes.Buffer, n nodeFixture) {
	writeLPString(buf, n.atom)
	binary.Write(buf, binary.LittleEndian, uint32(n.flags))
	binary.Write(buf, binary.LittleEndian, uint32(len(n.children)))
	for _, c := range n.children {
		writeTree(buf, c)
	}
}

func buildFAM(t *testing.T, global GlobalFlags, reportCount bool, breakaway []BreakawayEntry, root nodeFixture) *Tree {
	t.Helper()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(global))
	if reportCount {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(breakaway)))
	for _, b := range breakaway {
		writeLPString(&buf, b.ExecutableName)
		writeLPString(&buf, b.ArgumentSubstr)
		if b.CaseInsensitive {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	writeTree(&buf, root)

	tree, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return tree
}

func TestParse_SimpleTree(t *testing.T) {
	root := nodeFixture{
		atom:  "",
		flags: 0,
		children: []nodeFixture{
			{atom: "src", flags: FlagAllowRead | FlagAllowWrite, children: []nodeFixture{
				{atom: "main.go", flags: FlagAllowRead},
			}},
		},
	}
	tree := buildFAM(t, GlobalMonitorChildProcesses, true, nil, root)

	if tree.Global&GlobalMonitorChildProcesses == 0 {
		t.Error("expected GlobalMonitorChildProcesses set")
	}
	if !tree.ReportCount {
		t.Error("expected ReportCount true")
	}

	cur := tree.Lookup("/src/main.go")
	if !cur.Has(FlagAllowRead) {
		t.Error("expected AllowRead on /src/main.go")
	}
	if cur.Truncated() {
		t.Error("/src/main.go should be an exact match, not truncated")
	}
}

func TestParse_Truncated(t *testing.T) {
	root := nodeFixture{
		atom: "",
		children: []nodeFixture{
			{atom: "src", flags: FlagAllowRead},
		},
	}
	tree := buildFAM(t, 0, false, nil, root)

	cur := tree.Lookup("/src/sub/deep/file.go")
	if !cur.Truncated() {
		t.Error("expected truncated cursor for path beyond tree")
	}
	if !cur.Has(FlagAllowRead) {
		t.Error("truncated cursor should inherit the deepest matched node's flags")
	}
}

func TestParse_ScopeInheritance(t *testing.T) {
	root := nodeFixture{
		atom: "",
		children: []nodeFixture{
			{atom: "out", flags: FlagScopeAllDescendantsReport, children: []nodeFixture{
				{atom: "bin", flags: FlagAllowWrite},
			}},
		},
	}
	tree := buildFAM(t, 0, false, nil, root)

	cur := tree.Lookup("/out/bin")
	if !cur.Has(FlagScopeAllDescendantsReport) {
		t.Error("expected scope flag inherited onto descendant")
	}
	if !cur.Has(FlagAllowWrite) {
		t.Error("expected node's own flags preserved")
	}
}

func TestParse_BreakawayTable(t *testing.T) {
	breakaway := []BreakawayEntry{
		{ExecutableName: "conda", ArgumentSubstr: "install", CaseInsensitive: true},
	}
	root := nodeFixture{atom: ""}
	tree := buildFAM(t, 0, false, breakaway, root)

	if len(tree.Breakaway) != 1 {
		t.Fatalf("expected 1 breakaway entry, got %d", len(tree.Breakaway))
	}
	if tree.Breakaway[0].ExecutableName != "conda" {
		t.Errorf("ExecutableName = %q, want conda", tree.Breakaway[0].ExecutableName)
	}
}

func TestLookup_RootOnlyTreeMatchesRoot(t *testing.T) {
	root := nodeFixture{atom: "", flags: FlagAllowProbe}
	tree := buildFAM(t, 0, false, nil, root)

	cur := tree.Lookup("/")
	if cur.Truncated() {
		t.Error("root-only lookup of / should not be truncated")
	}
	if !cur.Has(FlagAllowProbe) {
		t.Error("expected root flags on / lookup")
	}
}

func TestLookup_EmptyTree(t *testing.T) {
	var tree *Tree
	cur := tree.Lookup("/anything")
	if cur.Matched() {
		t.Error("nil tree lookup should be unmatched")
	}
}
