package textcrdt

import "github.com/crdtext/core/branch"

// Branch is a materialized document state checked out at one frontier
// of an OpLog. Any number of Branches may share one OpLog; none of
// them holds a back-pointer into it.
type Branch struct {
	inner *branch.Branch
}

// NewBranch returns an empty branch, not yet attached to any log.
func NewBranch() *Branch { return &Branch{inner: branch.New()} }

// All builds a branch holding o's full current content (checked out at
// its causal graph's heads).
func All(o *OpLog) (*Branch, error) {
	b, err := branch.All(o.log)
	if err != nil {
		return nil, err
	}
	return &Branch{inner: b}, nil
}

// Merge advances the branch to the join of its previous version and
// version (both reachable from o's causal graph); a concurrent version
// adds to the branch's content rather than replacing it.
func (b *Branch) Merge(o *OpLog, version Version) error {
	return b.inner.MergeTo(o.log, version)
}

// MergeAll advances the branch to o's current heads.
func (b *Branch) MergeAll(o *OpLog) error {
	return b.inner.MergeAll(o.log)
}

// Get returns the branch's current text content.
func (b *Branch) Get() string { return b.inner.Get() }

// GetFrontier returns the branch's current version.
func (b *Branch) GetFrontier() Version { return b.inner.Frontier() }
