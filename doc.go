// Package ucs coordinates the upload lifecycle of files that land in an
// inbox bucket before downstream validation.
//
// Every file has exactly one UploadRecord. Its state moves through PENDING,
// UPLOADED, ACCEPTED, REJECTED and DELETION_REQUESTED as inbound events are
// applied. Events may arrive duplicated, reordered or concurrently; the
// Coordinator converges to the same final record regardless.
//
// # Key Components
//
//   - Coordinator: The state machine. One transition function per event kind
//   - RecordStore: Durable records with compare-and-update (PostgreSQL, SQLite, memory)
//   - ObjectStorage: Presigned credentials and inbox object operations
//   - EventPublisher: Delivery of upload-received and deletion-confirmed events
//   - Inspector: Reports inbox objects that outlived their attempt
//   - SignatureVerifier: Native and AWS Signature V4 presigned URL verification
//
// # Ordering
//
// Each inbound event carries a per-file sequence indicator. Only applied
// transitions advance the record's last sequence. An event at or below it is
// acknowledged and ignored. An event that refers to something not yet known
// (an unregistered file, an attempt the record has not issued) returns an
// error matching ErrOrdering so the consumer can redeliver it later.
//
// # Example Usage
//
//	coord, err := ucs.NewCoordinator(store, storage, publisher, ucs.CoordinatorConfig{
//	    Bucket: "inbox",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	grant, err := coord.RequestAttempt(ctx, "file-1")
//	err = coord.Handle(ctx, ucs.UploadCompleted{...})
package ucs
