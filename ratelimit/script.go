package ratelimit

// KEYS[1] = zset key
// ARGV[1] = now_ms
// ARGV[2] = cutoff_ms (now_ms - window_ms); scores < cutoff are expired
// ARGV[3] = limit
// ARGV[4] = ttl_ms
// ARGV[5] = cost
// ARGV[6..] = one unique member per unit of cost
//
// Returns {allowed, count, oldest_ms}.
const luaSlidingWindowScript = `
local zkey   = KEYS[1]
local now    = ARGV[1]
local cutoff = ARGV[2]
local limit  = tonumber(ARGV[3])
local ttl    = tonumber(ARGV[4])
local cost   = tonumber(ARGV[5])

redis.call("ZREMRANGEBYSCORE", zkey, "-inf", "(" .. cutoff)
local count = tonumber(redis.call("ZCARD", zkey))

local allowed = 0
if (count + cost) <= limit then
  for i = 1, cost do
    redis.call("ZADD", zkey, now, ARGV[5 + i])
  end
  redis.call("PEXPIRE", zkey, ttl)
  count = count + cost
  allowed = 1
end

local oldest_ms = "0"
local oldest = redis.call("ZRANGE", zkey, 0, 0, "WITHSCORES")
if oldest and #oldest >= 2 then
  oldest_ms = oldest[2]
end

return {allowed, count, oldest_ms}
`
