// Package models holds the documents the sync engine reads and writes: the
// directory and project tree, the active-project records, auto-increment
// state, drafts and the record / revision / value layout of data databases.
//
// JSON tags match the on-disk document format shared with other clients of
// the same databases.
package models
