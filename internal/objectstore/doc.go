// Package objectstore adapts a MinIO/S3 bucket to the operations the upload
// coordinator and transcode invoker need: presigned URLs, existence checks,
// and file transfer. Missing objects surface as ErrObjectNotFound so callers
// can tell them apart from connectivity failures.
package objectstore
