// Package wim reads, writes and manipulates WIM archives: multi-image
// file archives with whole-archive deduplication, per-chunk
// compression and SHA-1 content addressing.
//
// An [Archive] is either created empty with [New] or opened from a
// file with [Open]. Images get into an archive by capturing a
// directory tree ([Archive.Capture]) or by exporting from another
// archive ([Archive.ExportImage]); they come out by applying to a
// directory ([Archive.Apply]) or extracting a subtree
// ([Archive.Extract]). Changes are persisted with [Archive.Write],
// which rewrites the archive, or [Archive.Append], which adds new
// content in place.
//
// Blob content is deduplicated by SHA-1 across all images of an
// archive. Captured and exported content is read lazily, so capture
// sources and export source archives must stay in place until the
// archive is written.
package wim
