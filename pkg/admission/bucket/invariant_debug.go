//go:build !goadmit_noassert

package bucket

// invariant panics when an internal consistency check fails. These guard
// programmer error, never caller input; builds tagged goadmit_noassert
// compile them out.
func invariant(cond bool, msg string) {
	if !cond {
		panic("bucket: internal invariant violated: " + msg)
	}
}
