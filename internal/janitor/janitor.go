package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nacospoll/internal/model"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Janitor 周期性清理库里的垃圾行: 过期验证码，以及用户被删后
// 遗留的孤儿记录（正常删除走级联事务，这里兜底历史数据和异常
// 中断留下的残余）。
type Janitor struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) *Janitor {
	return &Janitor{db: db, logger: logger}
}

// Run 执行一轮清理，返回删除的总行数。
func (j *Janitor) Run(ctx context.Context) (int64, error) {
	var total int64
	db := j.db.WithContext(ctx)

	res := db.Where("expires_at < ?", time.Now()).Delete(&model.VerificationCode{})
	if res.Error != nil {
		return total, fmt.Errorf("purge expired codes: %w", res.Error)
	}
	total += res.RowsAffected

	userIDs := db.Model(&model.User{}).Select("id")
	for _, orphan := range []struct {
		column string
		target any
	}{
		{"user_id", &model.Candidate{}},
		{"voter_id", &model.Vote{}},
		{"user_id", &model.UserState{}},
		{"user_id", &model.VerificationCode{}},
	} {
		res := db.Where(orphan.column+" NOT IN (?)", userIDs).Delete(orphan.target)
		if res.Error != nil {
			return total, fmt.Errorf("purge orphans of %T: %w", orphan.target, res.Error)
		}
		total += res.RowsAffected
	}

	if total > 0 {
		j.logger.Info("janitor swept", slog.Int64("rows", total))
	}
	return total, nil
}

// Register 按给定的 cron 表达式挂载清理任务。
func (j *Janitor) Register(cr *cron.Cron, schedule string) error {
	if schedule == "" {
		schedule = "@hourly"
	}
	_, err := cr.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := j.Run(ctx); err != nil {
			j.logger.Error("janitor run failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("register janitor: %w", err)
	}
	return nil
}
