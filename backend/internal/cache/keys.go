package cache

import "fmt"

// 键语义：
// - usersKey():               在线用户（ZSet<userId, expireAtUnix>，score=expireAt）
// - recordsKey():             userId→presence 记录 JSON（Hash）
// - followersKey(leaderID):   leader 的 follower 集合（Set<userId>）
// - leadersKey():             followerId→leaderId（Hash）
// - viewportKey(leaderID):    leader 最近的文档和滚动位置（Hash{doc_id, scroll_top}）
// - topicChannel(topic):      跨节点广播的 Pub/Sub 频道
//
// 同一个 Lua 脚本里访问的键用同一个 {} hash tag，集群模式下落在同一个 slot。

const (
	keyUsers        = "presence:{online}:users"   // ZSet<userId, expireAtUnix>
	keyRecords      = "presence:{online}:records" // Hash<userId -> json>
	keyFollowersPfx = "follow:{graph}:followers:" // Set<followerId>
	keyLeaders      = "follow:{graph}:leaders"    // Hash<followerId -> leaderId>
	keyViewportFmt  = "follow:viewport:{uid:%s}"  // Hash<doc_id, scroll_top>

	topicChannelPrefix  = "collab:topic:"
	topicChannelPattern = topicChannelPrefix + "*"
)

func usersKey() string                    { return keyUsers }
func recordsKey() string                  { return keyRecords }
func followersKey(leaderID string) string { return keyFollowersPfx + leaderID }
func leadersKey() string                  { return keyLeaders }
func viewportKey(leaderID string) string  { return fmt.Sprintf(keyViewportFmt, leaderID) }
func topicChannel(topic string) string    { return topicChannelPrefix + topic }
