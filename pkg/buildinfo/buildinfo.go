// Package buildinfo holds version metadata stamped in at build time via
// -ldflags, e.g. -X github.com/kumonrecept/turnpipe/pkg/buildinfo.Version=1.2.3
package buildinfo

var (
	Version   = "dev"
	Sha       = "HEAD"
	Buildtime = "dev"
)
