package redis

import "github.com/redis/go-redis/v9"

// All scripts read the server clock so expiry never depends on the
// caller's wall time. Timestamps are unix milliseconds.

const clockPrelude = `
if redis.replicate_commands then redis.replicate_commands() end
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local function ms(x) return string.format("%.0f", x) end
`

// KEYS[1] lock hash, KEYS[2] index set. ARGV: name, holder, ttl_ms.
// Returns {outcome, holder, acquired_ms, expires_ms}; outcome 0 denied,
// 1 granted, 2 renewed.
var acquireScript = redis.NewScript(clockPrelude + `
local cur = redis.call("HMGET", KEYS[1], "holder", "acquired_ms", "expires_ms")
local exp = tonumber(cur[3])
if cur[1] and exp and exp > now then
  if cur[1] ~= ARGV[2] then
    return {0, cur[1], cur[2], cur[3]}
  end
  local renewed = ms(now + tonumber(ARGV[3]))
  redis.call("HSET", KEYS[1], "expires_ms", renewed)
  return {2, cur[1], cur[2], renewed}
end
local acquired = ms(now)
local expires = ms(now + tonumber(ARGV[3]))
redis.call("HSET", KEYS[1], "holder", ARGV[2], "acquired_ms", acquired, "expires_ms", expires)
redis.call("SADD", KEYS[2], ARGV[1])
return {1, ARGV[2], acquired, expires}
`)

// KEYS[1] lock hash, KEYS[2] index set. ARGV: name, holder.
var releaseScript = redis.NewScript(clockPrelude + `
local cur = redis.call("HMGET", KEYS[1], "holder", "expires_ms")
local exp = tonumber(cur[2])
if cur[1] ~= ARGV[2] or not exp or exp <= now then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] lock hash. Returns {} when unlocked.
var statusScript = redis.NewScript(clockPrelude + `
local cur = redis.call("HMGET", KEYS[1], "holder", "acquired_ms", "expires_ms")
local exp = tonumber(cur[3])
if not cur[1] or not exp or exp <= now then
  return {}
end
return {cur[1], cur[2], cur[3]}
`)

// KEYS[1] lock hash, KEYS[2] index set. ARGV: name. Drops the lock and its
// index entry unless it is still live; returns 1 when a lease expired, 0 for
// a live lock or a stale index entry.
var reapScript = redis.NewScript(clockPrelude + `
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_ms"))
if exp and exp > now then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if exp then
  return 1
end
return 0
`)
