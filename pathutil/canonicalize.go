// Package pathutil canonicalizes filesystem paths: collapsing repeated
// slashes, trailing slashes, "." and ".." segments.
//
// The user-space canonicalizer below runs as two passes over the path:
// a forward pass that splits the path into atoms and records, for each
// atom, whether it is kept, dropped ("."), or pops the previous kept
// atom (".."); and a rebuild pass that joins the surviving atoms. The
// kernel-side probes apply the same two-pass shape directly on a
// power-of-two buffer with a bounded loop count instead of allocating a
// slice per atom; the two implementations are kept in lock step by
// sharing this file's semantics, not its Go-specific slice machinery.
package pathutil

import "strings"

// Canonicalize removes "//", "/./", "/../" (including terminal "/." and
// "/.."), and a trailing slash (except for the root) from path. A path
// that fully reduces to empty becomes "/" when absolute and "." when
// relative; the empty string itself is
// left as "" (spec.md §8: "on `""` returns `""`"), distinct from a path
// that collapses to the root.
func Canonicalize(path string) string {
	if path == "" {
		return ""
	}

	absolute := strings.HasPrefix(path, "/")
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		if absolute {
			return "/"
		}
		return "."
	}

	rawAtoms := strings.Split(trimmed, "/")

	// Pass 1: walk atoms left to right, maintaining a stack of kept atoms.
	kept := make([]string, 0, len(rawAtoms))
	for _, atom := range rawAtoms {
		switch atom {
		case "", ".":
			// Dropped: empty atoms come from "//", "." atoms from "/./".
			continue
		case "..":
			if len(kept) > 0 && kept[len(kept)-1] != ".." {
				kept = kept[:len(kept)-1]
			} else if !absolute {
				// Relative path climbing above its root keeps the "..".
				kept = append(kept, "..")
			}
			// Absolute path: ".." at the root is anchored away silently.
		default:
			kept = append(kept, atom)
		}
	}

	// Pass 2: rebuild.
	var b strings.Builder
	if absolute {
		b.WriteByte('/')
	}
	b.WriteString(strings.Join(kept, "/"))

	result := b.String()
	if result == "" {
		if absolute {
			return "/"
		}
		return "."
	}
	return result
}
