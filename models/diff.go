package models

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContentDiff renders the change from the server's content to the client's
// attempted content as a patch in unidiff-like text. It is attached to a
// conflict so the user can see what they would overwrite.
// Returns empty string when both sides are equal.
func ContentDiff(server, local string) string {
	if server == local {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(server, local, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(server, diffs)
	return dmp.PatchToText(patches)
}
