package build

// Release is the build's release channel, selected at compile time via
// -ldflags "-X github.com/NebulousLabs/zncache/build.Release=standard". It
// controls the behavior of Critical/Severe and which field of a Var Select
// returns.
var Release = "standard"

// DEBUG controls whether Critical/Severe panic in addition to logging. It is
// forced on whenever Release is "testing" so that test suites fail loudly on
// invariant violations instead of limping along with corrupted state.
var DEBUG = Release == "testing"
