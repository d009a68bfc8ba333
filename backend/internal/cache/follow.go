package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabEngine/backend/internal/wire"
)

// FollowCache 保存跟随关系：一个 follower 同时只跟随一个 leader
type FollowCache interface {
	// Follow 记录 follower→leader，返回之前跟随的 leader（没有则为空）
	Follow(ctx context.Context, followerID, leaderID string) (string, error)
	// Unfollow 返回被取消的 leader（没有则为空）
	Unfollow(ctx context.Context, followerID string) (string, error)
	Followers(ctx context.Context, leaderID string) ([]string, error)
	// DropLeader 解除 leader 的全部跟随关系，返回原来的 follower
	DropLeader(ctx context.Context, leaderID string) ([]string, error)

	SetViewport(ctx context.Context, leaderID string, v wire.LeaderSnapshot) error
	Viewport(ctx context.Context, leaderID string) (wire.LeaderSnapshot, error)
}

const viewportTTL = time.Hour

type redisFollow struct {
	rdb redis.UniversalClient
}

func NewRedisFollow(rdb redis.UniversalClient) FollowCache {
	return &redisFollow{rdb: rdb}
}

// 关系键都带 {graph} tag，脚本里拼出来的 followers 键和 KEYS[1] 在同一个 slot
var followScript = redis.NewScript(`
-- KEYS[1] = leadersKey()
-- ARGV[1] = followers key prefix
-- ARGV[2] = follower id
-- ARGV[3] = leader id

local prev = redis.call("HGET", KEYS[1], ARGV[2])
if prev then
	redis.call("SREM", ARGV[1] .. prev, ARGV[2])
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
redis.call("SADD", ARGV[1] .. ARGV[3], ARGV[2])
if prev then
	return prev
end
return ""
`)

var unfollowScript = redis.NewScript(`
-- KEYS[1] = leadersKey()
-- ARGV[1] = followers key prefix
-- ARGV[2] = follower id

local leader = redis.call("HGET", KEYS[1], ARGV[2])
if not leader then
	return ""
end
redis.call("HDEL", KEYS[1], ARGV[2])
redis.call("SREM", ARGV[1] .. leader, ARGV[2])
return leader
`)

var dropLeaderScript = redis.NewScript(`
-- KEYS[1] = leadersKey()
-- KEYS[2] = followersKey(leader)
-- ARGV[1] = leader id

local followers = redis.call("SMEMBERS", KEYS[2])
for _, f in ipairs(followers) do
	if redis.call("HGET", KEYS[1], f) == ARGV[1] then
		redis.call("HDEL", KEYS[1], f)
	end
end
redis.call("DEL", KEYS[2])
return followers
`)

func (f *redisFollow) Follow(ctx context.Context, followerID, leaderID string) (string, error) {
	prev, err := followScript.Run(ctx, f.rdb, []string{leadersKey()}, keyFollowersPfx, followerID, leaderID).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if prev == leaderID {
		return "", nil
	}
	return prev, nil
}

func (f *redisFollow) Unfollow(ctx context.Context, followerID string) (string, error) {
	leader, err := unfollowScript.Run(ctx, f.rdb, []string{leadersKey()}, keyFollowersPfx, followerID).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return leader, nil
}

func (f *redisFollow) Followers(ctx context.Context, leaderID string) ([]string, error) {
	ids, err := f.rdb.SMembers(ctx, followersKey(leaderID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *redisFollow) DropLeader(ctx context.Context, leaderID string) ([]string, error) {
	ids, err := dropLeaderScript.Run(ctx, f.rdb, []string{leadersKey(), followersKey(leaderID)}, leaderID).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if err := f.rdb.Del(ctx, viewportKey(leaderID)).Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *redisFollow) SetViewport(ctx context.Context, leaderID string, v wire.LeaderSnapshot) error {
	fields := make(map[string]any, 2)
	if v.DocID != nil {
		fields["doc_id"] = *v.DocID
	}
	if v.ScrollTop != nil {
		fields["scroll_top"] = strconv.FormatFloat(*v.ScrollTop, 'f', -1, 64)
	}
	if len(fields) == 0 {
		return nil
	}
	tx := f.rdb.TxPipeline()
	tx.HSet(ctx, viewportKey(leaderID), fields)
	tx.Expire(ctx, viewportKey(leaderID), viewportTTL)
	_, err := tx.Exec(ctx)
	return err
}

func (f *redisFollow) Viewport(ctx context.Context, leaderID string) (wire.LeaderSnapshot, error) {
	m, err := f.rdb.HGetAll(ctx, viewportKey(leaderID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wire.LeaderSnapshot{}, err
	}
	var v wire.LeaderSnapshot
	if d, ok := m["doc_id"]; ok && d != "" {
		v.DocID = wire.StringPtr(d)
	}
	if s, ok := m["scroll_top"]; ok {
		if top, err := strconv.ParseFloat(s, 64); err == nil {
			v.ScrollTop = wire.Float64Ptr(top)
		}
	}
	return v, nil
}
