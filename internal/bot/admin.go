package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nacospoll/internal/election"
	"nacospoll/internal/model"

	"gorm.io/gorm"
)

func (e *Engine) cmdAdmin(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This command is for admins only.")
	}

	menu := [][]Button{
		{{Label: "▶️ Start Voting Now (8h)", Action: "admin:window:start_now"}},
		{{Label: "🕐 Start In 1 Hour (8h)", Action: "admin:window:start_in_1h"}},
		{{Label: "🌅 Tomorrow 9 AM (8h)", Action: "admin:window:tomorrow_9am"}},
		{{Label: "🛑 Clear Voting Window", Action: "admin:window:clear"}},
		{{Label: "📊 Statistics", Action: "admin:stats"}, {Label: "👥 Users", Action: "admin:users"}},
		{{Label: "📣 End Campaign", Action: "admin:end_campaign"}},
	}
	return e.transport.SendMenu(ctx, ev.ChatID, "🛠 Admin dashboard", menu)
}

func (e *Engine) adminAction(ctx context.Context, ev Event, parts []string) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This action is for admins only.")
	}
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "window":
		if len(parts) < 2 {
			return nil
		}
		return e.adminWindow(ctx, ev, parts[1])
	case "stats":
		return e.adminStats(ctx, ev)
	case "users":
		return e.adminUsers(ctx, ev)
	case "del_user":
		if len(parts) < 2 {
			return nil
		}
		return e.adminDeleteUser(ctx, ev, parts[1])
	case "end_campaign":
		return e.adminEndCampaign(ctx, ev)
	default:
		return nil
	}
}

func (e *Engine) adminWindow(ctx context.Context, ev Event, op string) error {
	switch op {
	case "clear":
		// 二段确认，误触不至于直接断掉投票
		return e.transport.SendMenu(ctx, ev.ChatID,
			"Clearing the window stops all voting immediately. Are you sure?",
			[][]Button{{{Label: "Yes, clear it", Action: "admin:window:clear_confirm"}}})
	case "clear_confirm":
		if err := e.windows.Clear(ctx); err != nil {
			return err
		}
		return e.reply(ctx, ev, "Voting window cleared.")
	}

	period, err := e.windows.SetPreset(ctx, election.Preset(op))
	if err != nil {
		return err
	}
	return e.reply(ctx, ev, fmt.Sprintf("Voting window set: %s → %s.",
		period.StartAt.Format("Mon 15:04"), period.EndAt.Format("Mon 15:04")))
}

func (e *Engine) adminStats(ctx context.Context, ev Event) error {
	var total, verified, candidates, approved, votes int64
	db := e.db.WithContext(ctx)
	if err := db.Model(&model.User{}).Count(&total).Error; err != nil {
		return err
	}
	if err := db.Model(&model.User{}).Where("is_verified = ?", true).Count(&verified).Error; err != nil {
		return err
	}
	if err := db.Model(&model.Candidate{}).Count(&candidates).Error; err != nil {
		return err
	}
	if err := db.Model(&model.Candidate{}).Where("is_approved = ?", true).Count(&approved).Error; err != nil {
		return err
	}
	if err := db.Model(&model.Vote{}).Count(&votes).Error; err != nil {
		return err
	}

	phase, _, err := e.windows.Status(ctx, time.Now())
	if err != nil {
		return err
	}
	var turnout float64
	if verified > 0 {
		turnout = float64(votes) / float64(verified) * 100
	}
	return e.reply(ctx, ev, fmt.Sprintf(
		"📊 Election statistics\nUsers: %d (%d verified)\nCandidacies: %d (%d approved)\nVotes: %d\nTurnout: %.1f%%\nWindow: %s",
		total, verified, candidates, approved, votes, turnout, phase))
}

func (e *Engine) adminUsers(ctx context.Context, ev Event) error {
	var users []model.User
	err := e.db.WithContext(ctx).Order("created_at ASC").Limit(50).Find(&users).Error
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		return e.reply(ctx, ev, "No registered users yet.")
	}
	for _, u := range users {
		mark := "⏳"
		if u.IsVerified {
			mark = "✅"
		}
		text := fmt.Sprintf("%s %s\n%s · %d level · %s", mark, u.Name, u.MatricNo, u.Level, u.Email)
		menu := [][]Button{{{Label: "🗑 Delete", Action: "admin:del_user:" + u.ID}}}
		if err := e.transport.SendMenu(ctx, ev.ChatID, text, menu); err != nil {
			return err
		}
	}
	return nil
}

// adminDeleteUser 在一个事务里连带清掉用户的选票、候选记录、
// 验证码和对话状态。
func (e *Engine) adminDeleteUser(ctx context.Context, ev Event, targetID string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.First(&user, "id = ?", targetID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.Vote{}, "voter_id = ?", targetID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.Candidate{}, "user_id = ?", targetID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.VerificationCode{}, "user_id = ?", targetID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.UserState{}, "user_id = ?", targetID).Error; err != nil {
			return err
		}
		return tx.Delete(&model.User{}, "id = ?", targetID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return e.reply(ctx, ev, "That user no longer exists.")
	}
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	e.refreshRegisteredGauge(ctx)
	return e.reply(ctx, ev, fmt.Sprintf("User %s and all their records deleted.", targetID))
}

func (e *Engine) adminEndCampaign(ctx context.Context, ev Event) error {
	slot, err := e.campaigns.End(ctx)
	if errors.Is(err, election.ErrNoCampaign) {
		return e.reply(ctx, ev, "No campaign is running right now.")
	}
	if err != nil {
		return err
	}
	name := slot.CandidateName
	if name == "" {
		name = slot.UserID
	}
	return e.reply(ctx, ev, fmt.Sprintf("Ended the campaign of %s.", strings.TrimSpace(name)))
}
