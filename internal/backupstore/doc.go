// Package s3 wraps the minio-go client for the backup subsystem's one touch
// point with the core (spec §3): storing backup archives and handing out
// presigned download URLs. The backup subsystem itself — scheduling,
// retention, compression — is an external collaborator; the core only keeps
// Backup metadata rows and an object_key foreign reference, and uses this
// package to turn that reference into a URL a user can download from
// directly, without ever routing the archive bytes through the control
// plane.
package s3
