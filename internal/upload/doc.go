// Package upload implements the client-facing side of the job lifecycle.
//
// A client first calls RequestUpload to reserve an object key and receive a
// presigned PUT URL; the job is recorded as awaiting_upload and is invisible to
// workers. After the upload the client calls ConfirmUpload, which verifies the
// object exists, promotes the job to pending with its target format, and
// enqueues it. CreateJob covers inputs that are already in the bucket.
//
// All errors carry a services marker so the API can map them to status codes.
package upload
