package redis

const (
	// upsertSnapshotScript stores a snapshot unless the persisted copy is
	// newer, so concurrent writers keep most-recent-wins.
	upsertSnapshotScript = `
local snap_key = KEYS[1]      -- quotawatch:snapshot:{accountID}
local accounts_set = KEYS[2]  -- quotawatch:snapshots:accounts

local account_id = ARGV[1]
local updated_at = tonumber(ARGV[2])  -- unix nanos, 0 when never succeeded

-- Skip the write when the stored snapshot is newer
local existing = redis.call('HGET', snap_key, 'updated_at')
if existing and tonumber(existing) > updated_at then
  return 0
end

redis.call('HSET', snap_key,
  'account_id', account_id,
  'updated_at', ARGV[2],
  'session_pct', ARGV[3],
  'session_reset', ARGV[4],
  'session_reset_at', ARGV[5],
  'weekly_pct', ARGV[6],
  'weekly_reset', ARGV[7],
  'weekly_reset_at', ARGV[8],
  'error', ARGV[9],
  'retrying', ARGV[10]
)
redis.call('SADD', accounts_set, account_id)
return 1
`
)
