package constants

import (
	"time"
)

// Transfer strategy thresholds
const (
	// UploadThreshold - encrypted payloads larger than this use multipart/block upload (64 MB)
	UploadThreshold = 64 * 1024 * 1024

	// UploadPartSize - size of each part for multipart uploads (8 MB)
	// Must stay a multiple of the AES block size so only the final part is short.
	UploadPartSize = 8 * 1024 * 1024

	// DownloadThreshold - remote objects larger than this are fetched as ranged parts (5 MB)
	DownloadThreshold = 5 * 1024 * 1024

	// DownloadPartSize - size of each ranged GET for multipart downloads (5 MB)
	DownloadPartSize = 5 * 1024 * 1024

	// MinPartSize - AWS S3 minimum part size (5 MB, except last part)
	// Azure has no equivalent minimum (can use any size)
	MinPartSize = 5 * 1024 * 1024

	// MaxS3PartSize - AWS S3 maximum part size (5 GB)
	MaxS3PartSize = 5 * 1024 * 1024 * 1024

	// MaxParts - maximum number of parts in one S3/GCS multipart upload
	MaxParts = 10000
)

// Worker pool
const (
	// DefaultParallel - default number of chunk workers per storage client
	DefaultParallel = 4

	// AbsoluteMaxParallel - upper bound accepted from configuration
	AbsoluteMaxParallel = 32
)

// Retry configuration
const (
	// MaxRetries - maximum number of retries for transient errors on one request
	MaxRetries = 10

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second

	// DefaultFileRetries - whole-file retries after a Failed outcome
	DefaultFileRetries = 2
)

// Encryption
const (
	// EncryptionChunkSize - read size for streaming AES operations (16 KB)
	// Different from part sizes which are for network transfers
	EncryptionChunkSize = 16 * 1024
)

// Object metadata keys
const (
	// MetadataMatDesc - material descriptor JSON
	MetadataMatDesc = "matdesc"

	// MetadataEncryptionData - JSON carrying the base64 IV and wrapped file key
	MetadataEncryptionData = "encryptiondata"

	// MetadataDigest - SHA-256 digest of the plaintext, base64
	MetadataDigest = "sfcdigest"
)

// Stage location types
const (
	LocationS3      = "S3"
	LocationAzure   = "AZURE"
	LocationGCS     = "GCS"
	LocationLocalFS = "LOCAL_FS"
)

// Overall Operation Timeouts
const (
	// MaxOperationTimeout - absolute maximum time for any single file transfer (4 hours)
	MaxOperationTimeout = 4 * time.Hour

	// PartTimeout - timeout for a single part request (10 minutes)
	PartTimeout = 10 * time.Minute
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPResponseHeaderTimeout - time to wait for response headers (5 minutes)
	HTTPResponseHeaderTimeout = 5 * time.Minute
)

// Progress
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)
