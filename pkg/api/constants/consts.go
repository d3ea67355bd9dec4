package constants

import "time"

const (
	RoutePrefix          = "/v2"
	CatalogPath          = RoutePrefix + "/_catalog"
	DistAPIVersion       = "Docker-Distribution-API-Version"
	DistContentDigestKey = "Docker-Content-Digest"
	BlobUploadUUID       = "Blob-Upload-UUID"
	DefaultMediaType     = "application/json"
	BinaryMediaType      = "application/octet-stream"
)

const (
	// SentinelTag names the throwaway manifest every deleted tag is re-pointed to.
	SentinelTag = "untagger-for-deletion"
	// ReadyMarker is logged by the registry daemon once its listener is up.
	ReadyMarker = "listening on "
	// RepositoriesDir is the repository root below the registry data directory.
	RepositoriesDir = "docker/registry/v2/repositories"
	ManifestsDir    = "_manifests"
	LayersDir       = "_layers"
	UploadsDir      = "_uploads"
	TagsDir         = ManifestsDir + "/tags"
)

const (
	DefaultRegistryBinary = "registry"
	DefaultRegistryData   = "/var/lib/registry"
	DefaultNativeAddress  = "127.0.0.1:5000"
	DefaultRuntimeConfig  = "/tmp/registry-config.yaml"
	DefaultStartTimeout   = 30 * time.Second
	DefaultLogLevel       = "warn"
	MetricsNamespace      = "regprune"
)
