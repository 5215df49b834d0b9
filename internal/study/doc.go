// Package study defines the descriptor model shared by the download
// pipeline: studies, series and images as produced by a platform adapter,
// plus the transient payload and pixel-frame types that flow between the
// fetcher, the decoder and the DICOM synthesizer.
//
// Platform adapters (one per viewer portal) live outside this module. They
// authenticate against a portal and translate its listing into a Study and
// a lazy SeriesSource; everything downstream is portal-agnostic.
package study
