package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabEngine/backend/internal/wire"
)

// PresenceCache 记录谁在线、当前在看哪个文档。记录有逻辑 TTL，连接存活期间由心跳续期
type PresenceCache interface {
	Touch(ctx context.Context, rec wire.PresenceRecord, ttl time.Duration) error
	Remove(ctx context.Context, userID string) error
	// Get 用户不在线时返回 nil, nil
	Get(ctx context.Context, userID string) (*wire.PresenceRecord, error)
	Alive(ctx context.Context) ([]wire.PresenceRecord, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var cleanupScript = redis.NewScript(`
-- KEYS[1] = usersKey()    presence:{online}:users
-- KEYS[2] = recordsKey()  presence:{online}:records
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Touch(ctx context.Context, rec wire.PresenceRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// 续期也直接调用 Touch
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, usersKey(), redis.Z{Score: float64(expireAt), Member: rec.UserID})
	tx.HSet(ctx, recordsKey(), rec.UserID, b)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, usersKey(), userID)
	tx.HDel(ctx, recordsKey(), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Get(ctx context.Context, userID string) (*wire.PresenceRecord, error) {
	score, err := p.rdb.ZScore(ctx, usersKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if int64(score) <= time.Now().Unix() {
		return nil, nil
	}
	raw, err := p.rdb.HGet(ctx, recordsKey(), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec wire.PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *redisPresence) Alive(ctx context.Context) ([]wire.PresenceRecord, error) {
	// step1: 清理过期成员
	now := time.Now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{usersKey(), recordsKey()}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, usersKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取记录
	vals, err := p.rdb.HMGet(ctx, recordsKey(), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]wire.PresenceRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec wire.PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []wire.PresenceRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].OnlineAt == rs[j].OnlineAt {
			return rs[i].UserID < rs[j].UserID
		}
		return rs[i].OnlineAt < rs[j].OnlineAt
	})
}
