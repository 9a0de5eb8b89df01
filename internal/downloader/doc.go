// Package downloader splits one HTTP resource into byte ranges, fetches them
// concurrently and writes each range at its offset in the destination file.
//
// # Lifecycle
//
// A Coordinator runs one task at a time:
//
//	Idle -> Probing -> Planning -> Downloading -> Idle
//
// Start opens the file and probes the resource. The probe result decides the
// chunk plan (see PlanChunks) after checking that the destination volume has
// three times the file size free. Each chunk is fetched once and retried once
// on failure; a second failure fails the task. A configured timeout fails the
// task the same way.
//
// Completion and failure are reported through Config.OnFinish exactly once.
// Stop cancels silently: the partial file is removed and OnFinish is not
// called.
//
// # Concurrency
//
// Fetches run in parallel, but every probe, data, finish and timeout event is
// handled on a single goroutine per task, so the chunk table and the file
// handle need no locking. The accessors (SavePath, FileSize, FinishedBytes,
// State) are safe to call from any goroutine.
package downloader
