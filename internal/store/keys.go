package store

import (
	"regexp"
	"strings"
)

// keyPattern is the dotted-lowercase state key grammar:
// ^[a-z0-9]+(\.[a-z0-9_]+)+$
var keyPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)+$`)

// ingestAllowedPrefixes is the allow-list applied only at the ingest
// boundary (POST /state). Runtime-managed keys (app.*, twitch.*, jinx.*)
// bypass this check because they are written only by internal
// components, never by external ingest.
var ingestAllowedPrefixes = map[string]bool{
	"ed":     true,
	"music":  true,
	"hw":     true,
	"policy": true,
	"ai":     true,
}

// ValidateIngestKey enforces the regex and the ingest allow-list. It is
// the single validation gate for externally ingested keys.
func ValidateIngestKey(key string) (ok bool, reason string) {
	if !keyPattern.MatchString(key) {
		return false, "key does not match ^[a-z0-9]+(\\.[a-z0-9_]+)+$"
	}
	prefix := key[:strings.IndexByte(key, '.')]
	if !ingestAllowedPrefixes[prefix] {
		return false, "prefix " + prefix + " is not in the ingest allow-list"
	}
	return true, ""
}

// ValidateInternalKey enforces only the shape of a key, used for writes
// performed by internal components (app.*, twitch.*, jinx.*, ...) that
// bypass the ingest allow-list.
func ValidateInternalKey(key string) (ok bool, reason string) {
	if !keyPattern.MatchString(key) {
		return false, "key does not match ^[a-z0-9]+(\\.[a-z0-9_]+)+$"
	}
	return true, ""
}
