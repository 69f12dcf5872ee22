package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nacospoll/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWindowNotSet = errors.New("voting window is not configured")
	ErrBadWindow    = errors.New("voting window end must be after start")
)

// Phase 描述投票窗口当前所处阶段。
type Phase string

const (
	PhaseNotSet  Phase = "not_set"
	PhasePending Phase = "pending" // 已配置但未开放
	PhaseOpen    Phase = "open"
	PhaseClosed  Phase = "closed"
)

// Preset 是管理面板提供的三种窗口预设。
type Preset string

const (
	PresetStartNow       Preset = "start_now"
	PresetStartInOneHour Preset = "start_in_1h"
	PresetTomorrowMorn   Preset = "tomorrow_9am"
)

// Windows 管理全表唯一的投票窗口记录。
type Windows struct {
	db       *gorm.DB
	duration time.Duration
}

func NewWindows(db *gorm.DB, duration time.Duration) *Windows {
	if duration <= 0 {
		duration = 8 * time.Hour
	}
	return &Windows{db: db, duration: duration}
}

// Set 写入窗口的绝对起止时间，已有记录整体覆盖。
func (w *Windows) Set(ctx context.Context, start, end time.Time) error {
	if !end.After(start) {
		return ErrBadWindow
	}
	period := model.VotingPeriod{ID: model.VotingPeriodID, StartAt: start, EndAt: end}
	if err := w.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&period).Error; err != nil {
		return fmt.Errorf("store voting period: %w", err)
	}
	return nil
}

// SetPreset 按预设计算起点，窗口时长取配置值。
func (w *Windows) SetPreset(ctx context.Context, preset Preset) (*model.VotingPeriod, error) {
	now := time.Now()
	var start time.Time
	switch preset {
	case PresetStartNow:
		start = now
	case PresetStartInOneHour:
		start = now.Add(time.Hour)
	case PresetTomorrowMorn:
		tomorrow := now.AddDate(0, 0, 1)
		start = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 9, 0, 0, 0, now.Location())
	default:
		return nil, fmt.Errorf("unknown window preset %q", preset)
	}
	end := start.Add(w.duration)
	if err := w.Set(ctx, start, end); err != nil {
		return nil, err
	}
	return &model.VotingPeriod{ID: model.VotingPeriodID, StartAt: start, EndAt: end}, nil
}

// Clear 删除窗口配置，投票立即回到未配置状态。
func (w *Windows) Clear(ctx context.Context) error {
	err := w.db.WithContext(ctx).
		Delete(&model.VotingPeriod{}, "id = ?", model.VotingPeriodID).Error
	if err != nil {
		return fmt.Errorf("clear voting period: %w", err)
	}
	return nil
}

// Current 读取当前窗口配置。
func (w *Windows) Current(ctx context.Context) (*model.VotingPeriod, error) {
	var period model.VotingPeriod
	err := w.db.WithContext(ctx).First(&period, "id = ?", model.VotingPeriodID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWindowNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("load voting period: %w", err)
	}
	return &period, nil
}

// Status 返回窗口阶段，窗口存在时附带配置本身。
func (w *Windows) Status(ctx context.Context, now time.Time) (Phase, *model.VotingPeriod, error) {
	period, err := w.Current(ctx)
	if errors.Is(err, ErrWindowNotSet) {
		return PhaseNotSet, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	switch {
	case now.Before(period.StartAt):
		return PhasePending, period, nil
	case now.After(period.EndAt):
		return PhaseClosed, period, nil
	default:
		return PhaseOpen, period, nil
	}
}
