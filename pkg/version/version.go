package version

// Release version injected by the compiler with
// -ldflags "-X github.com/palisade-bridge/palisade/pkg/version.version=vX.Y.Z".
var version = "development"

func Version() string {
	if version == "" {
		panic("binary compiled with empty version")
	}
	return version
}
