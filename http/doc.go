// Package http exposes the upload coordinator over a JSON API.
//
// # Routes
//
//	GET    /health                                liveness, optionally checking the record store
//	GET    /metrics                               Prometheus metrics
//	GET    /files                                 list upload records (?state=&limit=&cursor=)
//	GET    /files/{file_id}                       record status
//	POST   /files/{file_id}/uploads               start an upload attempt, returns a presigned PUT URL
//	GET    /files/{file_id}/uploads/{upload_id}   one attempt
//	DELETE /files/{file_id}/uploads/{upload_id}   cancel an in-flight attempt
//	GET    /files/{file_id}/download              presigned GET URL for the uploaded object
//	POST   /events                                apply one inbound event envelope
//
// # Authentication
//
// Read and write routes each take an optional ucs.RequestVerifier. A nil
// verifier makes the group public:
//
//	verifier := ucs.NewSignatureVerifier("us-east-1", "s3", store)
//	handler := http.NewHandler(&http.HandlerConfig{
//	    ReadVerifier:  nil,      // public read
//	    WriteVerifier: verifier, // signed write
//	}, coordinator)
//
// # Local inbox
//
// With the filesystem storage backend, InboxHandler serves the presigned
// URLs issued by the gateway. Its routes always require a valid signature.
//
// Errors are written as {"error": code, "message": text}. Ordering and
// state conflicts map to 409, transient failures to 503 with Retry-After.
package http
