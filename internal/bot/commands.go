package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nacospoll/internal/election"
	"nacospoll/internal/model"
)

const helpText = `NACOSPollBuddy commands:
/start - main menu
/register - register as a voter
/help - this message
/campaign_status - who is campaigning right now

Admin only:
/admin - admin dashboard
/list_pending_candidates - review candidacy applications
/publish_results - broadcast the election results`

func (e *Engine) handleCommand(ctx context.Context, ev Event) error {
	cmd := strings.Fields(ev.Text)
	if len(cmd) == 0 {
		return nil
	}
	switch cmd[0] {
	case "/start":
		return e.cmdStart(ctx, ev)
	case "/register":
		return e.cmdRegister(ctx, ev)
	case "/help":
		return e.reply(ctx, ev, helpText)
	case "/campaign_status":
		return e.cmdCampaignStatus(ctx, ev)
	case "/admin":
		return e.cmdAdmin(ctx, ev)
	case "/list_pending_candidates":
		return e.cmdListPending(ctx, ev)
	case "/publish_results":
		return e.cmdPublishResults(ctx, ev)
	default:
		return e.reply(ctx, ev, "Unknown command. Send /help to see what I can do.")
	}
}

func (e *Engine) cmdStart(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsVerified {
		return e.transport.SendMenu(ctx, ev.ChatID,
			"Welcome to NACOSPollBuddy, the NACOS election assistant! 🗳\nRegister with your student details to take part.",
			[][]Button{{{Label: "📝 Register", Action: "register"}}})
	}
	return e.transport.SendMenu(ctx, ev.ChatID,
		fmt.Sprintf("Welcome back, %s! What would you like to do?", user.Name),
		e.mainMenu())
}

func (e *Engine) cmdCampaignStatus(ctx context.Context, ev Event) error {
	slot, err := e.campaigns.Current(ctx)
	if errors.Is(err, election.ErrNoCampaign) {
		return e.reply(ctx, ev, "No campaign is running right now.")
	}
	if err != nil {
		return err
	}
	remaining := time.Until(slot.EndAt).Round(time.Minute)
	if remaining < 0 {
		remaining = 0
	}
	return e.reply(ctx, ev, fmt.Sprintf("📣 %s is campaigning for %s. %s remaining.",
		slot.CandidateName, slot.Position, remaining))
}

func (e *Engine) cmdListPending(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This command is for admins only.")
	}

	pending, err := e.candidates.PendingList(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return e.reply(ctx, ev, "No pending candidacy applications.")
	}
	for _, c := range pending {
		menu := [][]Button{{
			{Label: "✅ Approve", Action: fmt.Sprintf("approve:%d", c.ID)},
			{Label: "❌ Reject", Action: fmt.Sprintf("reject:%d", c.ID)},
		}}
		text := fmt.Sprintf("Application #%d\n%s — %s", c.ID, c.Name, c.Position)
		if err := e.transport.SendMenu(ctx, ev.ChatID, text, menu); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cmdPublishResults(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This command is for admins only.")
	}

	phase, _, err := e.windows.Status(ctx, time.Now())
	if err != nil {
		return err
	}
	if phase == election.PhaseOpen {
		return e.reply(ctx, ev, "Voting is still open. Close the window before publishing results.")
	}

	results, err := e.ballots.Tally(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return e.reply(ctx, ev, "No results to publish yet.")
	}

	text := formatResults(results)
	sent, err := e.broadcast(ctx, "🏁 NACOS Election Results\n\n"+text)
	if err != nil {
		return err
	}
	return e.reply(ctx, ev, fmt.Sprintf("Results published to %d registered voters.", sent))
}

// broadcast 给所有已验证用户逐个发消息，个别失败不中断整轮。
func (e *Engine) broadcast(ctx context.Context, text string) (int, error) {
	var users []model.User
	err := e.db.WithContext(ctx).
		Where("is_verified = ?", true).
		Find(&users).Error
	if err != nil {
		return 0, fmt.Errorf("list verified users: %w", err)
	}
	sent := 0
	for _, u := range users {
		if err := e.transport.SendMessage(ctx, u.ID, text); err != nil {
			e.logger.Warn("broadcast delivery failed", "user_id", u.ID, "error", err.Error())
			continue
		}
		sent++
	}
	return sent, nil
}
