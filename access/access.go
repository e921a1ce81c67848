// Package access implements the access-check decision engine: given a
// policy cursor, a requested-access kind, and existence context, it
// produces an AccessCheckResult describing whether the access is
// allowed and whether it should be reported.
package access

import "sandboxrunner/policy"

// CheckerType names the kind of access check being performed.
type CheckerType int

const (
	CheckExecute CheckerType = iota
	CheckRead
	CheckWrite
	CheckProbe
	CheckUnixAbsentProbe
	CheckEnumerateDir
	CheckCreateSymlink
	CheckCreateDirectory
	CheckCreateDirectoryNoEnforcement
)

// Action is the allow/deny decision of a check.
type Action int

const (
	ActionAllow Action = iota
	ActionDeny
)

// ReportLevel controls whether, and how, a report is emitted for a check.
type ReportLevel int

const (
	ReportIgnore ReportLevel = iota
	ReportReport
	ReportExplicit
)

// Result is the outcome of an access check.
type Result struct {
	Action      Action
	ReportLevel ReportLevel
}

// Combine merges two results (used for the source and destination halves
// of a rename or link): the action is the most restrictive of the two
// (deny wins over allow), and the report level is the highest of the two
// (explicit wins over report wins over ignore).
func Combine(a, b Result) Result {
	action := a.Action
	if b.Action == ActionDeny {
		action = ActionDeny
	}
	level := a.ReportLevel
	if b.ReportLevel > level {
		level = b.ReportLevel
	}
	return Result{Action: action, ReportLevel: level}
}

// Context carries the existence/directory-ness facts a check needs beyond
// the policy cursor itself.
type Context struct {
	IsDirectory bool
	Exists      bool
	// BasedOnPolicy forces a write check to ignore the existence signal
	// and decide purely from policy flags (spec.md §4.2's "optional
	// based-on-policy flag").
	BasedOnPolicy bool
}

// Check runs the access-check decision for the given checker type against
// a policy cursor and context.
func Check(checker CheckerType, cur policy.Cursor, ctx Context) Result {
	switch checker {
	case CheckExecute:
		if ctx.IsDirectory {
			return checkReadLike(cur, policy.FlagAllowProbe)
		}
		return checkReadLike(cur, policy.FlagAllowRead)

	case CheckRead:
		return checkReadLike(cur, policy.FlagAllowRead)

	case CheckProbe:
		return checkReadLike(cur, policy.FlagAllowProbe)

	case CheckUnixAbsentProbe:
		// A probe against a path that does not exist: same flag gate as
		// a regular probe, existence already baked into the caller's
		// choice of checker.
		return checkReadLike(cur, policy.FlagAllowProbe)

	case CheckEnumerateDir:
		level := ReportIgnore
		if cur.Has(policy.FlagReportDirectoryEnumeration) {
			level = ReportExplicit
		}
		return Result{Action: ActionAllow, ReportLevel: level}

	case CheckWrite:
		if ctx.IsDirectory {
			return checkReadLike(cur, policy.FlagAllowProbe)
		}
		return checkWrite(cur, ctx)

	case CheckCreateSymlink:
		return checkReadLike(cur, policy.FlagAllowSymlinkCreation)

	case CheckCreateDirectory:
		return checkReadLike(cur, policy.FlagAllowCreateDirectory)

	case CheckCreateDirectoryNoEnforcement:
		result := checkReadLike(cur, policy.FlagAllowCreateDirectory)
		if result.Action == ActionDeny {
			return checkReadLike(cur, policy.FlagAllowProbe)
		}
		return result

	default:
		return Result{Action: ActionDeny, ReportLevel: ReportReport}
	}
}

// checkReadLike is the common shape shared by execute/read/probe/symlink/
// mkdir checks: allow iff the gating flag is set, report per the node's
// report flags.
func checkReadLike(cur policy.Cursor, gate policy.NodeFlags) Result {
	action := ActionDeny
	if cur.Has(gate) {
		action = ActionAllow
	}
	return Result{Action: action, ReportLevel: reportLevelFor(cur)}
}

func checkWrite(cur policy.Cursor, ctx Context) Result {
	action := ActionDeny
	if cur.Has(policy.FlagAllowWrite) {
		action = ActionAllow
	} else if !ctx.BasedOnPolicy && ctx.Exists && cur.Has(policy.FlagOverrideAllowWriteForExistingFiles) {
		// The override widens write permission, but only for files that
		// already exist at the moment of the check.
		action = ActionAllow
	}
	return Result{Action: action, ReportLevel: reportLevelFor(cur)}
}

func reportLevelFor(cur policy.Cursor) ReportLevel {
	if cur.Has(policy.FlagReportExplicit) {
		return ReportExplicit
	}
	if cur.Has(policy.FlagReport) || cur.Has(policy.FlagScopeAllDescendantsReport) {
		return ReportReport
	}
	return ReportIgnore
}
