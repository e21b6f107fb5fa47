package redis

import "github.com/redis/go-redis/v9"

// The lease scripts touch exactly one key, so they are safe on Redis Cluster.
// The guarded scripts touch the lease and the guarded key; on a cluster both
// must hash to one slot, e.g. "lock:{orders}" and "lock:{orders}:value".

// compareAndSetScript writes ARGV[3] when the key matches the expectation.
// ARGV[1] is "1" when the key is expected to be absent, ARGV[2] is the expected value otherwise.
var compareAndSetScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "1" then
    if current then
        return 0
    end
elseif current ~= ARGV[2] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[3])
return 1
`)

// acquireLeaseScript sets the holder token with a millisecond expiry if the key
// is free or already held by the same token.
// ARGV[1] token, ARGV[2] ttl in milliseconds.
var acquireLeaseScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
return 0
`)

// refreshLeaseScript extends the expiry only for the current holder.
// ARGV[1] token, ARGV[2] ttl in milliseconds.
var refreshLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// releaseLeaseScript deletes the key only for the current holder.
// ARGV[1] token.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// setIfHeldScript writes KEYS[2] only while KEYS[1] holds the token.
// ARGV[1] token, ARGV[2] value.
var setIfHeldScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

// getIfHeldScript reads KEYS[2] only while KEYS[1] holds the token.
// Returns {0} when not held, {1, 0} when held and absent, {1, 1, value} otherwise.
// ARGV[1] token.
var getIfHeldScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return {0}
end
local value = redis.call("GET", KEYS[2])
if value == false then
    return {1, 0}
end
return {1, 1, value}
`)
