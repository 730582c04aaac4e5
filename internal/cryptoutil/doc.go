// Package cryptoutil holds the digest helpers used to identify cached
// content: SHA-256 hex encoding, constant-time comparison, and the short
// form used in logs and metrics labels.
package cryptoutil
