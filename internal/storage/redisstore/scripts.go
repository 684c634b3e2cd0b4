package redisstore

import "github.com/redis/go-redis/v9"

// Каждое изменение квоты или журнала выполняется одним Lua-скриптом,
// Redis исполняет его атомарно относительно остальных команд.

var getOrInitScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'free', ARGV[1]) == 1 then
  redis.call('HSETNX', KEYS[1], 'bonus', 0)
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
end
return redis.call('HMGET', KEYS[1], 'free', 'bonus', 'updated_at')
`)

var consumeScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if v >= 1 then
  redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
  return 1
end
return 0
`)

var creditScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'free', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'bonus', ARGV[2])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1
`)

// KEYS: token, pending. ARGV: id, user, opaque, issued_ms, expires_ms, expire_at_ms, token_prefix.
var recordPendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'duplicate'
end
local cur = redis.call('GET', KEYS[2])
if cur then
  local ck = ARGV[7] .. cur
  local st = redis.call('HMGET', ck, 'status', 'expires_at')
  if st[1] == 'pending' then
    if tonumber(st[2]) > tonumber(ARGV[4]) then
      return 'pending_exists'
    end
    redis.call('HSET', ck, 'status', 'expired')
  end
end
redis.call('HSET', KEYS[1], 'user', ARGV[2], 'opaque', ARGV[3], 'status', 'pending',
  'issued_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('PEXPIREAT', KEYS[2], ARGV[6])
return 'ok'
`)

// KEYS: token. ARGV: now_ms, credits, quota_prefix, default_free, pending_prefix, token_id.
var redeemScript = redis.NewScript(`
local t = redis.call('HMGET', KEYS[1], 'status', 'expires_at', 'user')
if not t[1] then
  return {'not_found', ''}
end
if t[1] == 'redeemed' then
  return {'already_redeemed', t[3]}
end
if t[1] == 'expired' then
  return {'expired', t[3]}
end
local pk = ARGV[5] .. t[3]
if tonumber(t[2]) <= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'status', 'expired')
  if redis.call('GET', pk) == ARGV[6] then
    redis.call('DEL', pk)
  end
  return {'expired', t[3]}
end
redis.call('HSET', KEYS[1], 'status', 'redeemed', 'redeemed_at', ARGV[1])
if redis.call('GET', pk) == ARGV[6] then
  redis.call('DEL', pk)
end
if tonumber(ARGV[2]) > 0 then
  local qk = ARGV[3] .. t[3]
  redis.call('HSETNX', qk, 'free', ARGV[4])
  redis.call('HINCRBY', qk, 'bonus', ARGV[2])
  redis.call('HSET', qk, 'updated_at', ARGV[1])
end
return {'redeemed', t[3]}
`)

// KEYS: pending. ARGV: now_ms, token_prefix.
var findPendingScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
  return false
end
local tk = ARGV[2] .. id
local t = redis.call('HMGET', tk, 'status', 'expires_at', 'opaque', 'issued_at', 'user')
if t[1] ~= 'pending' then
  redis.call('DEL', KEYS[1])
  return false
end
if tonumber(t[2]) <= tonumber(ARGV[1]) then
  redis.call('HSET', tk, 'status', 'expired')
  redis.call('DEL', KEYS[1])
  return false
end
return {id, t[5], t[3], t[4], t[2]}
`)

// KEYS: pending. ARGV: now_ms, token_prefix.
// Возвращает 1, только если токен действительно переведён в expired.
var expirePendingScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
  return 0
end
local tk = ARGV[2] .. id
local t = redis.call('HMGET', tk, 'status', 'expires_at')
if t[1] ~= 'pending' then
  redis.call('DEL', KEYS[1])
  return 0
end
if tonumber(t[2]) <= tonumber(ARGV[1]) then
  redis.call('HSET', tk, 'status', 'expired')
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
