package gcov

import "encoding/binary"

// This file builds minimal, hand-encoded .gcno/.gcda byte streams for tests.
// Every helper mirrors the exact wire layout documented against
// internal/reader and the upstream GCC note/data format: version < 130
// length fields count 4-byte words, and length-prefixed strings are
// NUL-terminated then zero-padded out to the next word boundary.

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(v))
	binary.LittleEndian.PutUint32(b[4:8], uint32(v>>32))
	return b
}

// strFieldWords encodes a string the way Reader.String(version < 130)
// expects: a word-count length prefix followed by the NUL-terminated bytes
// padded to a word boundary.
func strFieldWords(s string) []byte {
	raw := append([]byte(s), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	words := uint32(len(raw) / 4)
	return append(u32le(words), raw...)
}

// lenPrefixedWords wraps body with its word-count length prefix, the
// version < 130 convention used throughout .gcno/.gcda records.
func lenPrefixedWords(body []byte) []byte {
	words := uint32(len(body) / 4)
	return append(u32le(words), body...)
}

func tagBytes(tag uint32) []byte { return u32le(tag) }

// version80Tag is the 4-byte ASCII encoding of format version 8.0, decoded
// by Reader.Version into the packed integer 80 (two-digit form).
var version80Tag = []byte("*008")

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
