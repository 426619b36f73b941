package main

// manifest is the closed set of binary ids SPAWN accepts, generated by
// cmd/mlkreg from a build manifest (spec.md §6: "A closed set of binary
// ids is embedded at build time"). This checked-in copy embeds no user
// binaries; a real build replaces it with mlkreg's output before linking.
var manifest = map[uint32][]byte{}
