package version

// Version is the current version of sqlconv.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "sqlconv"

// Description is a short description of the application.
const Description = "Model-driven migration of legacy SQL dialect sources"
