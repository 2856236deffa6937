// Package merge resolves records with more than one head.
//
// Concurrent edits on different devices leave a record with several heads
// once they replicate. MergeHeads folds heads that changed disjoint fields
// into one revision automatically. What remains is resolved by the user:
// a Session pairs two heads A and B, lists the fields whose values differ,
// collects a choice per field and saves them as a revision whose parents
// are both heads.
//
// Fields left out of the saved choices take the value of A. A field that
// differs between A and B must be chosen explicitly; leaving one out fails
// with common.ErrMergeIntegrity.
package merge
