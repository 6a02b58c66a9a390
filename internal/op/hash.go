package op

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed hashing. The version suffix
// enables future algorithm migration without ambiguity.
const (
	DomainConflict  = "quilt/conflict/v1"
	DomainOplogHead = "quilt/oplog-head/v1"
	DomainState     = "quilt/state/v1"
)

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data). The null byte prevents
// domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ConflictID computes a stable identifier for a conflict on a semantic
// field at a given divergence point. Both peers detecting the same
// concurrent writes derive the same conflict ID, so resolutions created on
// different peers target the same record.
func ConflictID(entity, field string, branchTipOps []string) (string, error) {
	tips := append([]string(nil), branchTipOps...)
	sort.Strings(tips)

	arr := make(Array, len(tips))
	for i, id := range tips {
		arr[i] = String(id)
	}
	obj := Object{
		"entity": String(entity),
		"field":  String(field),
		"tips":   arr,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("conflict id: %w", err)
	}
	return HashWithDomain(DomainConflict, canonical), nil
}

// OplogHeadHash computes the cheap "are we already in sync" hash: a digest
// of the canonical-ordered operation ID list. Two peers with identical
// oplogs produce identical head hashes.
func OplogHeadHash(opIDs []string) string {
	h := sha256.New()
	h.Write([]byte(DomainOplogHead))
	h.Write([]byte{0x00})
	for _, id := range opIDs {
		h.Write([]byte(id))
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))
}
