// Package synth builds standards-minimal DICOM datasets for downloaded
// images.
//
// Portals hand us pixel buffers and loose string tags, not DICOM files.
// This package synthesizes one dataset per image with a consistent
// identity: all instances of a series share the series-level tags, all
// instances of a study share the study-level tags, and every UID is a
// deterministic function of the (study, series, instance) identity so that
// re-running a download regenerates byte-identical identifiers.
//
// Encoding is delegated to the GoogleCloudPlatform go-dicom-parser
// library; this package only decides what goes into the dataset.
package synth
