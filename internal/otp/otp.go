package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nacospoll/internal/model"
	"nacospoll/internal/pkg/metrics"
	"nacospoll/internal/pkg/notify"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Flow 标识验证码所属流程，不同流程的存活码互不干扰。
type Flow string

const (
	FlowVoter     Flow = "voter"     // 选民注册邮箱验证
	FlowCandidate Flow = "candidate" // 候选申请邮箱验证
	FlowAdmin     Flow = "admin"     // 管理员验证（保留的并行通道，当前无调用方）
)

var (
	ErrExpired   = errors.New("verification code expired")
	ErrMismatch  = errors.New("verification code mismatch")
	ErrNotFound  = errors.New("no live verification code")
	ErrThrottled = errors.New("verification code resend throttled")
)

const throttleKeyPrefix = "nacospoll:otp:resend:"

// Issuer 负责验证码的签发、投递与核销。
type Issuer struct {
	db       *gorm.DB
	rdb      *redis.Client
	mailer   notify.Mailer
	logger   *slog.Logger
	ttl      time.Duration
	cooldown time.Duration
}

// NewIssuer 创建验证码签发器。
//
// rdb 可以为 nil，此时不做重发频控。
func NewIssuer(db *gorm.DB, rdb *redis.Client, mailer notify.Mailer, logger *slog.Logger, ttl time.Duration, cooldown time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Issuer{
		db:       db,
		rdb:      rdb,
		mailer:   mailer,
		logger:   logger,
		ttl:      ttl,
		cooldown: cooldown,
	}
}

// Issue 为 (用户, 流程) 签发一条新的 6 位验证码并邮件投递。
//
// 新码整行覆盖旧码，同流程同时最多一条存活记录。
// 邮件发送失败会回收刚写入的记录并返回错误，调用方应中止所在流程。
func (i *Issuer) Issue(ctx context.Context, userID string, flow Flow, email string) error {
	if err := i.checkThrottle(ctx, userID, flow); err != nil {
		return err
	}

	code, err := generateCode(6)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	rec := model.VerificationCode{
		UserID:    userID,
		Flow:      string(flow),
		Code:      code,
		ExpiresAt: time.Now().Add(i.ttl),
		IssuedAt:  time.Now(),
	}
	if err := i.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("store code: %w", err)
	}

	subject := "NACOSPollBuddy OTP Verification"
	body := fmt.Sprintf("Your OTP for NACOSPollBuddy is: %s. It expires in %d minutes. Simply reply with this 6-digit code to verify.",
		code, int(i.ttl.Minutes()))
	if err := i.mailer.Send(email, subject, body); err != nil {
		// 送不出去的码不能留着，否则用户永远等不到邮件又无法重试
		_ = i.db.WithContext(ctx).
			Where("user_id = ? AND flow = ?", userID, flow).
			Delete(&model.VerificationCode{}).Error
		i.logger.Warn("send verification email failed",
			slog.String("user_id", userID),
			slog.String("flow", string(flow)),
			slog.String("error", err.Error()))
		return fmt.Errorf("send verification: %w", err)
	}

	metrics.CodesIssued.WithLabelValues(string(flow)).Inc()
	i.logger.Info("verification code issued",
		slog.String("user_id", userID),
		slog.String("flow", string(flow)))
	return nil
}

// Verify 核对提交的验证码。
//
// 过期: 删除记录并返回 ErrExpired；不匹配: 保留记录返回 ErrMismatch
// （允许重试）；匹配: 删除记录返回 nil，验证码一次性使用。
// 核销删除带 code 条件，两个并发提交只有一个能删掉行。
func (i *Issuer) Verify(ctx context.Context, userID string, flow Flow, submitted string) error {
	var rec model.VerificationCode
	err := i.db.WithContext(ctx).
		Where("user_id = ? AND flow = ?", userID, flow).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	if time.Now().After(rec.ExpiresAt) {
		// 带 code 条件，避免误删并发 Issue 刚换上的新码
		_ = i.db.WithContext(ctx).
			Where("user_id = ? AND flow = ? AND code = ?", userID, flow, rec.Code).
			Delete(&model.VerificationCode{}).Error
		metrics.CodesVerified.WithLabelValues(string(flow), "expired").Inc()
		return ErrExpired
	}

	if rec.Code != submitted {
		metrics.CodesVerified.WithLabelValues(string(flow), "mismatch").Inc()
		return ErrMismatch
	}

	res := i.db.WithContext(ctx).
		Where("user_id = ? AND flow = ? AND code = ?", userID, flow, submitted).
		Delete(&model.VerificationCode{})
	if res.Error != nil {
		return fmt.Errorf("consume code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// 并发核销: 另一个提交已经消费掉了这条码
		return ErrNotFound
	}

	metrics.CodesVerified.WithLabelValues(string(flow), "ok").Inc()
	return nil
}

// HasLive 是否存在某流程未过期的验证码。
func (i *Issuer) HasLive(ctx context.Context, userID string, flow Flow) (bool, error) {
	var count int64
	err := i.db.WithContext(ctx).Model(&model.VerificationCode{}).
		Where("user_id = ? AND flow = ? AND expires_at > ?", userID, flow, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count codes: %w", err)
	}
	return count > 0, nil
}

// PurgeExpired 删除所有已过期的验证码，返回删除行数。
func (i *Issuer) PurgeExpired(ctx context.Context) (int64, error) {
	res := i.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&model.VerificationCode{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired codes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// checkThrottle 基于 Redis SETNX 的重发频控。
func (i *Issuer) checkThrottle(ctx context.Context, userID string, flow Flow) error {
	if i.rdb == nil {
		return nil
	}
	key := throttleKeyPrefix + string(flow) + ":" + userID
	ok, err := i.rdb.SetNX(ctx, key, "1", i.cooldown).Result()
	if err != nil {
		// Redis 故障不阻断签发，只丢掉频控
		i.logger.Warn("otp throttle check failed", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return ErrThrottled
	}
	return nil
}

// generateCode 生成 n 位十进制随机码。
func generateCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = '0' + (buf[i] % 10)
	}
	return string(buf), nil
}
