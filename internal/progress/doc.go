// Package progress provides progress reporting for study downloads.
//
// This package outputs human-readable progress information to stdout:
// images written, failed, in progress and pending, plus bytes written.
// The expected total grows as series are discovered lazily.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    StudyName: "ZHANG SAN-CT Chest-20240901",
//	    Output:    os.Stdout,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as images complete
//	reporter.ImageWritten(fileSize)
//
// # Output Format
//
//	[dicomdl] Downloading: ZHANG SAN-CT Chest-20240901
//	[dicomdl] 45.2% | 140 written | 2 failed | 4 in-progress | 164 pending | 76.21 MB
//	[dicomdl] Done: 308 written | 2 failed | 168.43 MB | 1m 12s
package progress
