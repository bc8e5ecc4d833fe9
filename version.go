package stm

// versionID counts committed mutating writes applied to a single shared
// container. It starts at 0 and increments by exactly 1 on every commit
// that touches the container's data.
type versionID uint64
