package redisstore

import "github.com/redis/go-redis/v9"

// KEYS: active, queue, queued, lease
// ARGV: identity, session json, entry json, max active, ttl ms
var admitScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  return {'ACTIVE', cur, redis.call('HLEN', KEYS[1]), 0}
end
local q = redis.call('HGET', KEYS[3], ARGV[1])
if q then
  local items = redis.call('LRANGE', KEYS[2], 0, -1)
  for i, v in ipairs(items) do
    if v == q then
      return {'QUEUED', q, redis.call('HLEN', KEYS[1]), i}
    end
  end
  -- index entry without a list element: repair and admit afresh
  redis.call('HDEL', KEYS[3], ARGV[1])
end
local n = redis.call('HLEN', KEYS[1])
if n < tonumber(ARGV[4]) and redis.call('LLEN', KEYS[2]) == 0 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  redis.call('SET', KEYS[4], '1', 'PX', ARGV[5])
  return {'ACTIVE', ARGV[2], n + 1, 0}
end
local pos = redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return {'QUEUED', ARGV[3], n, pos}
`)

// KEYS: active, lease
// ARGV: identity, last activity, ttl ms
var touchScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
rec['last_activity_at'] = ARGV[2]
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
return 1
`)

// KEYS: active, lease, queue, queued
// ARGV: identity, expected session id, expected last activity
// Returns 0 (nothing), 1 (active released), 2 (queued withdrawn).
var releaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  if ARGV[2] ~= '' or ARGV[3] ~= '' then
    local rec = cjson.decode(cur)
    if ARGV[2] ~= '' and rec['session_id'] ~= ARGV[2] then
      return 0
    end
    if ARGV[3] ~= '' and rec['last_activity_at'] ~= ARGV[3] then
      return 0
    end
  end
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('DEL', KEYS[2])
  return 1
end
if ARGV[2] ~= '' or ARGV[3] ~= '' then
  return 0
end
local q = redis.call('HGET', KEYS[4], ARGV[1])
if q then
  redis.call('LREM', KEYS[3], 1, q)
  redis.call('HDEL', KEYS[4], ARGV[1])
  return 2
end
return 0
`)

// KEYS: active, queue, queued
// ARGV: max active, now, ttl ms, lease key prefix
var promoteScript = redis.NewScript(`
if redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[1]) then
  return false
end
while true do
  local raw = redis.call('LPOP', KEYS[2])
  if not raw then
    return false
  end
  local e = cjson.decode(raw)
  local id = e['identity']
  redis.call('HDEL', KEYS[3], id)
  if redis.call('HEXISTS', KEYS[1], id) == 0 then
    local s = cjson.encode({
      session_id = e['session_id'],
      identity = id,
      created_at = ARGV[2],
      last_activity_at = ARGV[2],
      promoted = true,
    })
    redis.call('HSET', KEYS[1], id, s)
    redis.call('SET', ARGV[4] .. id, '1', 'PX', ARGV[3])
    return s
  end
end
`)

// KEYS: active, queue, queued
// ARGV: identity
var positionScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
local q = redis.call('HGET', KEYS[3], ARGV[1])
if not q then
  return -1
end
local items = redis.call('LRANGE', KEYS[2], 0, -1)
for i, v in ipairs(items) do
  if v == q then
    return i
  end
end
return -1
`)

// KEYS: queue, queued
// ARGV: entry json, identity
var dropQueuedScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n > 0 and redis.call('HGET', KEYS[2], ARGV[2]) == ARGV[1] then
  redis.call('HDEL', KEYS[2], ARGV[2])
end
return n
`)
