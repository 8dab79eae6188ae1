package models

import (
	"strings"
)

// StageInfo describes the storage location of a stage and its temporary credentials.
type StageInfo struct {
	LocationType string // S3, AZURE, GCS or LOCAL_FS
	// Location is "<bucket or container>/<prefix>" or a directory for LOCAL_FS
	Location       string
	Region         string
	Endpoint       string
	StorageAccount string // Azure storage account
	UsePathStyle   bool   // S3 path-style addressing, needed by most S3-compatible endpoints

	Credentials StageCredentials
}

// StageCredentials carries whichever temporary credential the provider needs.
type StageCredentials struct {
	// S3
	AWSKeyID     string
	AWSSecretKey string
	AWSToken     string
	// Azure
	AzureSASToken string
	// GCS
	GCSAccessToken string
}

// SplitLocation splits Location into the bucket/container and the key prefix.
// A non-empty prefix always ends with "/".
func (s *StageInfo) SplitLocation() (container, prefix string) {
	loc := strings.TrimPrefix(s.Location, "/")
	container, prefix, _ = strings.Cut(loc, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return container, prefix
}
