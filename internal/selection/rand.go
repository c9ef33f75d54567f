package selection

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// SeedFor はユーザーIDと配信スロットからPCGのシードを導出する。
// 同じユーザー・同じスロットでは同じシードになるため、
// リトライや再起動後の再選択でも結果が再現できる。
func SeedFor(userID string, slot time.Time) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(userID))
	return h.Sum64(), uint64(slot.UTC().UnixNano())
}

// NewRand はユーザーと配信スロットごとの乱数生成器を返す。
// 呼び出しごとに独立したインスタンスを返すため、並行する配信間で状態を共有しない。
func NewRand(userID string, slot time.Time) *rand.Rand {
	s1, s2 := SeedFor(userID, slot)
	return rand.New(rand.NewPCG(s1, s2))
}
