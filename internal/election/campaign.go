package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

var (
	ErrCampaignActive = errors.New("another campaign is already running")
	ErrNoCampaign     = errors.New("no campaign is running")
)

const campaignKey = "nacospoll:campaign:active"

// 只在值没被换掉的情况下删除槽位，避免清扫误杀一场新竞选。
var deleteIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Slot 是竞选独占槽位的内容，带绝对截止时间，重启后依然有效。
type Slot struct {
	CandidateID   uint      `json:"candidate_id"`
	UserID        string    `json:"user_id"`
	CandidateName string    `json:"candidate_name"`
	Position      string    `json:"position"`
	EndAt         time.Time `json:"end_at"`
}

// Campaigns 管理全局唯一的竞选槽位。
//
// 槽位落在 Redis 里且存的是绝对截止时间，进程重启不会丢；
// 到点回收交给分钟级清扫任务，同一场竞选只会收尾一次。
type Campaigns struct {
	rdb      *redis.Client
	logger   *slog.Logger
	duration time.Duration
	onEnd    func(Slot) // 竞选结束（手动或到点）后的通知回调
}

func NewCampaigns(rdb *redis.Client, logger *slog.Logger, duration time.Duration, onEnd func(Slot)) *Campaigns {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &Campaigns{rdb: rdb, logger: logger, duration: duration, onEnd: onEnd}
}

// Start 抢占竞选槽位。槽位已被占用时返回 ErrCampaignActive。
func (c *Campaigns) Start(ctx context.Context, slot Slot) (*Slot, error) {
	slot.EndAt = time.Now().Add(c.duration)
	raw, err := json.Marshal(slot)
	if err != nil {
		return nil, fmt.Errorf("marshal campaign slot: %w", err)
	}
	ok, err := c.rdb.SetNX(ctx, campaignKey, raw, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire campaign slot: %w", err)
	}
	if !ok {
		return nil, ErrCampaignActive
	}
	c.logger.Info("campaign started",
		slog.Uint64("candidate_id", uint64(slot.CandidateID)),
		slog.Time("end_at", slot.EndAt))
	return &slot, nil
}

// Current 读取当前竞选槽位，未过期性不在这里判断。
func (c *Campaigns) Current(ctx context.Context) (*Slot, error) {
	raw, err := c.rdb.Get(ctx, campaignKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCampaign
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign slot: %w", err)
	}
	var slot Slot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("unmarshal campaign slot: %w", err)
	}
	return &slot, nil
}

// End 手动结束竞选并释放槽位，返回被结束的槽位内容。
func (c *Campaigns) End(ctx context.Context) (*Slot, error) {
	raw, err := c.rdb.Get(ctx, campaignKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCampaign
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign slot: %w", err)
	}
	var slot Slot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("unmarshal campaign slot: %w", err)
	}
	n, err := deleteIfMatch.Run(ctx, c.rdb, []string{campaignKey}, string(raw)).Int()
	if err != nil {
		return nil, fmt.Errorf("release campaign slot: %w", err)
	}
	if n == 0 {
		// 槽位刚被别处回收
		return nil, ErrNoCampaign
	}
	c.logger.Info("campaign ended",
		slog.Uint64("candidate_id", uint64(slot.CandidateID)),
		slog.String("reason", "manual"))
	if c.onEnd != nil {
		c.onEnd(slot)
	}
	return &slot, nil
}

// Sweep 回收已过截止时间的槽位。由定时任务分钟级调用，可手动触发。
func (c *Campaigns) Sweep(ctx context.Context) error {
	raw, err := c.rdb.Get(ctx, campaignKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load campaign slot: %w", err)
	}
	var slot Slot
	if err := json.Unmarshal(raw, &slot); err != nil {
		// 坏槽位直接清掉，否则会永远卡住后续竞选
		c.logger.Warn("dropping corrupt campaign slot", slog.String("error", err.Error()))
		_, _ = deleteIfMatch.Run(ctx, c.rdb, []string{campaignKey}, string(raw)).Int()
		return nil
	}
	if time.Now().Before(slot.EndAt) {
		return nil
	}
	n, err := deleteIfMatch.Run(ctx, c.rdb, []string{campaignKey}, string(raw)).Int()
	if err != nil {
		return fmt.Errorf("release campaign slot: %w", err)
	}
	if n == 0 {
		return nil
	}
	c.logger.Info("campaign ended",
		slog.Uint64("candidate_id", uint64(slot.CandidateID)),
		slog.String("reason", "expired"))
	if c.onEnd != nil {
		c.onEnd(slot)
	}
	return nil
}

// Register 把清扫任务挂到 cron 上。
func (c *Campaigns) Register(cr *cron.Cron, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	spec := fmt.Sprintf("@every %s", every)
	_, err := cr.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Sweep(ctx); err != nil {
			c.logger.Error("campaign sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("register campaign sweep: %w", err)
	}
	return nil
}
