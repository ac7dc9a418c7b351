// Package transcode runs one ffmpeg conversion for a job.
//
// Convert downloads the input into a per-job scratch directory, runs ffmpeg
// with the format profile in its own process group under a hard timeout,
// checks the output, and uploads it to converted/<job_id>.<ext>. Errors are
// classified with the services markers so the worker can decide between
// requeue and failure:
//   - timeout, signal, or shutdown: recoverable
//   - non-zero exit, empty output, unreadable output, missing input: terminal
//   - object store errors: transient infrastructure
package transcode
