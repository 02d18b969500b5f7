// Package ratelimit throttles API callers per source address.
//
// The host API is called by a small number of game-server processes, so a
// caller that suddenly sends thousands of requests per second is a bug or
// an attacker on the network path, not real login traffic. Each caller gets
// a token bucket; idle buckets are evicted in the background and the number
// of tracked callers is capped so a spray of spoofed sources cannot grow the
// map without bound.
//
// This is not the admission rate window. Player logins are limited per
// player address by the admission controller, not here.
package ratelimit
