package upload

import "context"

// Uploader pushes suite report files to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and
	// writable, failing fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadReport uploads a single report file under the configured
	// prefix, keyed by the suite session id.
	UploadReport(ctx context.Context, suiteSessionID, localPath string) error
}
