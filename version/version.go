package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = ChainsyncSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// ChainsyncSemVer is the current version of chainsync.
// It's the Semantic Version of the software.
const ChainsyncSemVer = "0.1.0"
