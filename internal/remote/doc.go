// Package remote implements engine.Gateway on Redis.
//
// Each session is one JSON document under <prefix>:session:<user>:<project>.
// Writes are read-modify-write transactions guarded by WATCH, and every
// committed write publishes the new session on
// <prefix>:changes:<user>:<project>. Messages carry the origin id of the
// Gateway that wrote them, so a Gateway never reports its own writes back to
// its subscribers.
//
// Key components are URL query escaped, so ids containing ':' cannot collide.
package remote
