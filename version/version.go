// Package version holds build-time version information.
package version

// GitRelease is the release tag or commit, set at build time via
// -ldflags "-X github.com/Arke-Institute/arke-metadata-service/version.GitRelease=...".
var GitRelease = "dev"
