package docstore

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestPrefix marks content digests produced by Digest.
const DigestPrefix = "blake2b-"

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// NewRev computes the revision that follows prev for the given content.
// The digest covers the previous revision too, so equal bodies written on
// different histories get different revisions.
func NewRev(prev string, doc *Document) string {
	h, _ := blake2b.New(16, nil)

	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(doc.ID))
	h.Write([]byte{0})
	if doc.Deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
		h.Write(doc.Data)
	}

	names := make([]string, 0, len(doc.Attachments))
	for name := range doc.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := doc.Attachments[name]
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		if a.Digest != "" {
			h.Write([]byte(a.Digest))
		} else {
			h.Write([]byte(Digest(a.Data)))
		}
	}

	return strconv.Itoa(RevGeneration(prev)+1) + "-" + hex.EncodeToString(h.Sum(nil))
}

// RevGeneration returns the numeric prefix of rev, or 0 when rev is empty or
// malformed.
func RevGeneration(rev string) int {
	gen, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}

// RevWins reports whether candidate beats current: higher generation first,
// then the lexically greater revision.
func RevWins(candidate, current string) bool {
	cg, og := RevGeneration(candidate), RevGeneration(current)
	if cg != og {
		return cg > og
	}
	return candidate > current
}
