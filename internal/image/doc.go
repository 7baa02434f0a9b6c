// Package image builds the Jenkins data image.
//
// A data image is a FROM scratch image whose only content is a plugins
// directory below the Jenkins home path. Every embedded file is stamped as a
// label with its SHA-256 digest, and every build additionally carries a fresh
// GENERATION_UUID label so two builds of the same files are still distinct.
//
// The Builder materialises a build context directory, tars it with
// github.com/moby/go-archive, sends it to the daemon and consumes the JSON
// message stream synchronously until the final image ID arrives. The build
// directory is removed afterwards whether the build succeeded or not.
package image
