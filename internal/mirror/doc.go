// Package mirror uploads a materialized study tree to object storage.
//
// Buckets are addressed by gocloud.dev URLs (s3://, gs://, file://,
// mem://), so the same code path serves cloud archival and local
// testing. Objects are keyed by the study-relative path, preserving the
// on-disk layout.
package mirror
