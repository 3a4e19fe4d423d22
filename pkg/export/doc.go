// Package export validates export requests and derives their fingerprints.
//
// A fingerprint is the sole cache key of the pipeline: two requests that differ
// only in field order, layer order, enum casing or float formatting produce the
// same fingerprint.
package export
