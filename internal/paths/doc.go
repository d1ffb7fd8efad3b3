// Package paths provides cross-platform path resolution for snapchain.
//
// # XDG Base Directory Compliance
//
// The package wraps github.com/adrg/xdg for cross-platform XDG Base Directory
// Specification compliance. On Linux and macOS, paths follow XDG conventions
// (~/.config, ~/.local/share).
//
//	paths.ConfigDir()        // ~/.config/snapchain/
//	paths.DefaultOutputDir() // ~/.local/share/snapchain/backups/
//
// # User Paths
//
// [ExpandHome] and [Absolute] turn user supplied paths (roots, excludes,
// output directories) into the absolute, cleaned form the engine expects.
package paths
