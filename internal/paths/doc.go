// Provides platform-appropriate paths for build caches and outputs.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The tool name "kiln" is used as the subdirectory under each
// base path. Cache mount directories live under the cache base so that the
// operating system is free to reclaim them; build outputs live under the
// state base so they survive cache cleanup.
package paths
