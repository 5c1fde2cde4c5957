// Package static maps request paths onto files in an ordered set of
// content base directories.
//
// Resolution never leaves a content base: request paths are decoded and
// normalized, and a path whose ".." segments climb above the root is
// rejected with E100 before the filesystem is touched. Bases are searched
// in order and the first regular file wins. Paths ending in "/" and
// extensionless paths naming a directory resolve to that directory's
// index.html. When nothing matches, an optional fallback document is
// resolved instead, which lets single-page applications own routing.
package static
