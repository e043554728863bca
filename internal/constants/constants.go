// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort           = "8080"
	DefaultDBPath         = "offlinevault.db"
	DefaultDownloadsDir   = "downloads"
	DefaultKeysDirName    = ".keys"
	DefaultLicenseURL     = "https://app.tpstreams.com/api/v1/4c7zdj"
	DefaultCertificateURL = "https://app.tpstreams.com/static/fairplay.cer"
	DefaultAppID          = "offlinevault"
	DefaultMinBitrate     = 265_000
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultCertificateTTL = 24 * time.Hour
	DefaultRequestGap     = 100 * time.Millisecond
	DefaultShutdownGrace  = 5 * time.Second
)

// Key cache
const (
	KeyFileSuffix   = "-Key"
	KeyTempPrefix   = ".tmp-"
	ContentKeyLen   = 32 // AES-256 sealing key
	ContentKeyNonce = 12 // GCM standard nonce size
)

// Content key identifiers
const (
	ContentKeyScheme = "skd"
	DRMTypeFairPlay  = "fairplay"
)

// License API
const (
	LicensePathFormat      = "/assets/%s/drm_license/"
	HeaderLicenseValidity  = "X-License-Valid-Until"
	HeaderRetryAfter       = "Retry-After"
	MimeTypeJSON           = "application/json"
	MimeTypeOctetStream    = "application/octet-stream"
	MimeTypeEventStream    = "text/event-stream"
	CertificateCacheKey    = "license:certificate"
	MaxLicenseResponseSize = 1 << 20
)

// Database
const (
	AssetsTable   = "assets"
	KeysTable     = "content_keys"
	CacheTable    = "cache"
	SettingsTable = "settings"
)

// File Extensions
const (
	ExtPartial = ".part"
	ExtMovpkg  = ".movpkg"
)

// File Permissions
const (
	DirPermissions     = 0755
	FilePermissions    = 0644
	KeyDirPermissions  = 0700
	KeyFilePermissions = 0600
)

// Progress reporting
const (
	ProgressUpdateBytes = 256 * 1024
	ProgressUpdateFreq  = 500 * time.Millisecond
	MaxListResults      = 500
)

// Characters to sanitize from filesystem paths
const InvalidPathChars = "<>:\"/\\|?*"
