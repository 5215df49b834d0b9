// Package materialize turns a descriptor stream into a study directory on
// disk.
//
// It owns the destination layout, drives the fetch scheduler, decodes
// payloads, synthesizes DICOM datasets and writes them atomically. A
// failed image is recorded and never stops sibling work; only an unusable
// destination or a broken adapter aborts the run, and even then the files
// already written stay on disk.
//
// # Pipeline
//
//	adapter -> feeder -> jobs channel -> worker pool -> results channel -> decode/synthesize/write
//
// The feeder pulls series lazily from the adapter and is the only
// producer of jobs; workers are the only consumers, so each descriptor is
// dispatched exactly once. The result consumer is single-threaded, which
// keeps the tallies and the filesystem writes trivially consistent.
package materialize
