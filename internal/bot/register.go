package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nacospoll/internal/flow"
	"nacospoll/internal/model"
	"nacospoll/internal/otp"
	"nacospoll/internal/validate"

	"gorm.io/gorm/clause"
)

func (e *Engine) cmdRegister(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if user != nil && user.IsVerified {
		return e.transport.SendMenu(ctx, ev.ChatID,
			"You are already registered and verified. ✅", e.mainMenu())
	}
	if user != nil {
		// 已走完注册链但码还活着的用户，直接等码而不是重走全链
		live, err := e.codes.HasLive(ctx, ev.UserID, otp.FlowVoter)
		if err != nil {
			return err
		}
		if live {
			if err := e.states.Set(ctx, ev.UserID, &flow.State{Step: flow.StepVoterOTP}); err != nil {
				return err
			}
			return e.reply(ctx, ev, "You already have a verification code in your inbox. Reply with the 6-digit code to finish up.")
		}
	}
	if err := e.states.Set(ctx, ev.UserID, &flow.State{Step: flow.StepName}); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Let's get you registered! What is your full name?")
}

// stepRegistration 推进注册链: 姓名 → 学号 → 层次 → 邮箱。
// 每步校验通过才前进，失败重新提示同一步。
func (e *Engine) stepRegistration(ctx context.Context, ev Event, state *flow.State) error {
	switch state.Step {
	case flow.StepName:
		return e.stepName(ctx, ev, state)
	case flow.StepMatric:
		return e.stepMatric(ctx, ev, state)
	case flow.StepLevel:
		return e.stepLevel(ctx, ev, state)
	case flow.StepEmail:
		return e.stepEmail(ctx, ev, state)
	default:
		return nil
	}
}

func (e *Engine) stepName(ctx context.Context, ev Event, state *flow.State) error {
	name := strings.TrimSpace(ev.Text)
	if len(name) < 2 {
		return e.reply(ctx, ev, "That name looks too short. What is your full name?")
	}
	state.Name = name
	state.Step = flow.StepMatric
	if err := e.states.Set(ctx, ev.UserID, state); err != nil {
		return err
	}
	return e.reply(ctx, ev, fmt.Sprintf("Thanks, %s! Now send your matric number (e.g. 21CG034021).", name))
}

func (e *Engine) stepMatric(ctx context.Context, ev Event, state *flow.State) error {
	res := validate.ValidateMatric(ev.Text)
	if !res.Valid {
		if res.Reason == "NOT_A_MEMBER" {
			return e.reply(ctx, ev, "That matric number is not a NACOS department (CG/CH). Only NACOS members can register.")
		}
		return e.reply(ctx, ev, "That doesn't look like a valid matric number. Try again (e.g. 21CG034021).")
	}

	// 半途重来的用户自己的占位行不算占用
	var count int64
	err := e.db.WithContext(ctx).Model(&model.User{}).
		Where("matric_no = ? AND id <> ?", res.Matric, ev.UserID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check matric uniqueness: %w", err)
	}
	if count > 0 {
		return e.reply(ctx, ev, "That matric number is already registered. Each member can only register once.")
	}

	state.Matric = res.Matric
	state.Step = flow.StepLevel
	if err := e.states.Set(ctx, ev.UserID, state); err != nil {
		return err
	}
	return e.reply(ctx, ev, fmt.Sprintf("Got it, %s student! What is your level? (100-400)", res.DepartmentName))
}

func (e *Engine) stepLevel(ctx context.Context, ev Event, state *flow.State) error {
	if !validate.ValidLevel(ev.Text) {
		return e.reply(ctx, ev, "Level must be one of 100, 200, 300 or 400. What is your level?")
	}
	level, _ := strconv.Atoi(strings.TrimSpace(ev.Text))
	state.Level = level
	state.Step = flow.StepEmail
	if err := e.states.Set(ctx, ev.UserID, state); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Almost done! Send your student email (firstname.lastname@stu.cu.edu.ng).")
}

// stepEmail 收尾注册: 落正式用户行（未验证），发验证码，清状态。
func (e *Engine) stepEmail(ctx context.Context, ev Event, state *flow.State) error {
	email := strings.ToLower(strings.TrimSpace(ev.Text))
	if !validate.ValidEmail(email) {
		return e.reply(ctx, ev, "That email doesn't look like a valid student address (@stu.cu.edu.ng). Try again.")
	}

	var count int64
	err := e.db.WithContext(ctx).Model(&model.User{}).
		Where("email = ? AND id <> ?", email, ev.UserID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check email uniqueness: %w", err)
	}
	if count > 0 {
		return e.reply(ctx, ev, "That email is already registered. Each member can only register once.")
	}

	user := model.User{
		ID:       ev.UserID,
		Name:     state.Name,
		Email:    email,
		MatricNo: state.Matric,
		Level:    state.Level,
	}
	// 半途重来的注册只刷新注册链采集的字段，不动验证/管理员标记
	err = e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "matric_no", "level", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("store user: %w", err)
	}

	if err := e.codes.Issue(ctx, ev.UserID, otp.FlowVoter, email); err != nil {
		if errors.Is(err, otp.ErrThrottled) {
			return e.reply(ctx, ev, "A code was sent recently. Please wait a minute before requesting another.")
		}
		return e.reply(ctx, ev, "I couldn't send the verification email. Please try again in a moment.")
	}

	state.Email = email
	state.Step = flow.StepVoterOTP
	if err := e.states.Set(ctx, ev.UserID, state); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Check your inbox! Reply with the 6-digit code I just emailed you.")
}
