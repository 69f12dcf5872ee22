package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nacospoll/internal/ballot"
	"nacospoll/internal/candidate"
	"nacospoll/internal/election"
	"nacospoll/internal/flow"
	"nacospoll/internal/otp"
	"nacospoll/internal/validate"
)

func (e *Engine) handleAction(ctx context.Context, ev Event) error {
	parts := strings.Split(ev.Action, ":")
	switch parts[0] {
	case "register":
		return e.cmdRegister(ctx, ev)
	case "vote":
		if len(parts) == 1 {
			return e.showBallot(ctx, ev)
		}
		return e.castVote(ctx, ev, parts[1])
	case "list_candidates":
		return e.listCandidates(ctx, ev)
	case "apply":
		if len(parts) == 1 {
			return e.showPositions(ctx, ev)
		}
		// 职位名本身含冒号的情况不存在，安全拼回
		return e.applyForPosition(ctx, ev, strings.Join(parts[1:], ":"))
	case "campaign_status":
		return e.cmdCampaignStatus(ctx, ev)
	case "profile":
		if len(parts) == 1 {
			return e.showProfile(ctx, ev)
		}
		return e.profileAction(ctx, ev, parts[1:])
	case "approve":
		return e.approve(ctx, ev, parts)
	case "reject":
		return e.reject(ctx, ev, parts)
	case "admin":
		return e.adminAction(ctx, ev, parts[1:])
	default:
		e.logger.Warn("unknown action", "action", ev.Action)
		return nil
	}
}

// showBallot 渲染选票菜单，入口处就挡掉未验证、已投票和窗口问题。
func (e *Engine) showBallot(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsVerified {
		return e.reply(ctx, ev, "You need to /register and verify your email before voting.")
	}

	voted, err := e.ballots.HasVoted(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if voted {
		return e.reply(ctx, ev, "You have already cast your vote. Every member gets exactly one. 🗳")
	}

	phase, period, err := e.windows.Status(ctx, time.Now())
	if err != nil {
		return err
	}
	switch phase {
	case election.PhaseNotSet:
		return e.reply(ctx, ev, "Voting hasn't been scheduled yet. Watch this space!")
	case election.PhasePending:
		return e.reply(ctx, ev, fmt.Sprintf("Voting opens at %s.", period.StartAt.Format("Mon 15:04")))
	case election.PhaseClosed:
		return e.reply(ctx, ev, "Voting has closed. Results will be published soon.")
	}

	options, err := e.candidates.BallotOptions(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(options) == 0 {
		return e.reply(ctx, ev, "There are no approved candidates to vote for yet.")
	}

	// 快照本次展示的候选人，数字回复只认快照里的号码
	snapshot := make([]flow.BallotOption, 0, len(options))
	var menu [][]Button
	for _, c := range options {
		snapshot = append(snapshot, flow.BallotOption{ID: c.ID, Name: c.Name, Position: c.Position})
		menu = append(menu, []Button{{
			Label:  fmt.Sprintf("%d. %s — %s", c.ID, c.Name, c.Position),
			Action: fmt.Sprintf("vote:%d", c.ID),
		}})
	}
	if err := e.states.Set(ctx, ev.UserID, &flow.State{Step: flow.StepVoting, Ballot: snapshot}); err != nil {
		return err
	}
	return e.transport.SendMenu(ctx, ev.ChatID, "Cast your vote — tap a candidate or reply with their number:", menu)
}

// stepVoting 处理投票状态下的文本回复。号码必须出现在展示选票
// 时的快照里才会落票。
func (e *Engine) stepVoting(ctx context.Context, ev Event, state *flow.State) error {
	text := strings.TrimSpace(ev.Text)
	if !allDigits.MatchString(text) {
		return e.reply(ctx, ev, "Reply with the number next to your chosen candidate, or tap a button on the ballot.")
	}
	id, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return e.reply(ctx, ev, "That ballot option is invalid.")
	}
	for _, opt := range state.Ballot {
		if opt.ID == uint(id) {
			return e.castVote(ctx, ev, text)
		}
	}
	return e.reply(ctx, ev, "That number isn't on your ballot. Pick one of the listed candidates.")
}

func (e *Engine) castVote(ctx context.Context, ev Event, rawID string) error {
	candID, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		return e.reply(ctx, ev, "That ballot option is invalid.")
	}

	cand, err := e.ballots.Cast(ctx, ev.UserID, uint(candID))
	switch {
	case err == nil:
		_ = e.states.Clear(ctx, ev.UserID)
		return e.reply(ctx, ev, fmt.Sprintf("Your vote for %s (%s) has been recorded. Thank you! ✅", cand.Name, cand.Position))
	case errors.Is(err, ballot.ErrAlreadyVoted):
		return e.reply(ctx, ev, "You have already cast your vote. Every member gets exactly one. 🗳")
	case errors.Is(err, ballot.ErrNotVerified):
		return e.reply(ctx, ev, "You need to /register and verify your email before voting.")
	case errors.Is(err, ballot.ErrWindowNotSet):
		return e.reply(ctx, ev, "Voting hasn't been scheduled yet. Watch this space!")
	case errors.Is(err, ballot.ErrWindowNotOpen):
		return e.reply(ctx, ev, "Voting hasn't opened yet. Hold on a little longer!")
	case errors.Is(err, ballot.ErrWindowClosed):
		return e.reply(ctx, ev, "Voting has closed. Results will be published soon.")
	case errors.Is(err, ballot.ErrUnknownCandidate):
		return e.reply(ctx, ev, "That candidate is no longer on the ballot.")
	default:
		return err
	}
}

func (e *Engine) listCandidates(ctx context.Context, ev Event) error {
	approved, err := e.candidates.ApprovedList(ctx)
	if err != nil {
		return err
	}
	if len(approved) == 0 {
		return e.reply(ctx, ev, "No approved candidates yet.")
	}
	for _, c := range approved {
		text := fmt.Sprintf("%s — %s", c.Name, c.Position)
		if c.Manifesto != nil && *c.Manifesto != "" {
			text += "\n\n" + *c.Manifesto
		}
		if c.PhotoRef != nil && *c.PhotoRef != "" {
			if err := e.transport.SendPhoto(ctx, ev.ChatID, *c.PhotoRef, text); err != nil {
				return err
			}
			continue
		}
		if err := e.reply(ctx, ev, text); err != nil {
			return err
		}
	}
	return nil
}

// showPositions 渲染当前用户有资格竞选的职位菜单。
func (e *Engine) showPositions(ctx context.Context, ev Event) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsVerified {
		return e.reply(ctx, ev, "You need to /register and verify your email before applying.")
	}
	if !validate.ValidCandidateLevel(user.Level) {
		return e.reply(ctx, ev, "Candidates must be in 200-400 level.")
	}

	var menu [][]Button
	for _, p := range validate.EligiblePositions(user.Level) {
		menu = append(menu, []Button{{Label: p, Action: "apply:" + p}})
	}
	return e.transport.SendMenu(ctx, ev.ChatID, "Which position are you applying for?", menu)
}

func (e *Engine) applyForPosition(ctx context.Context, ev Event, position string) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsVerified {
		return e.reply(ctx, ev, "You need to /register and verify your email before applying.")
	}

	if _, err := e.candidates.Apply(ctx, user, position); err != nil {
		switch {
		case errors.Is(err, candidate.ErrAlreadyApplied):
			return e.reply(ctx, ev, "You already have an application for that position.")
		case errors.Is(err, candidate.ErrNotEligible):
			return e.reply(ctx, ev, "You are not eligible for that position.")
		default:
			return err
		}
	}

	if err := e.codes.Issue(ctx, ev.UserID, otp.FlowCandidate, user.Email); err != nil {
		if errors.Is(err, otp.ErrThrottled) {
			return e.reply(ctx, ev, "A code was sent recently. Please wait a minute before requesting another.")
		}
		return e.reply(ctx, ev, "I couldn't send the confirmation email. Please try again in a moment.")
	}
	if err := e.states.Set(ctx, ev.UserID, &flow.State{Step: flow.StepCandidateOTP, Position: position}); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Application received! Reply with the 6-digit code I just emailed you to confirm it.")
}

// showProfile 候选人自助面板。
func (e *Engine) showProfile(ctx context.Context, ev Event) error {
	cands, err := e.candidates.Candidacies(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return e.reply(ctx, ev, "You have no candidacy yet. Tap \"Apply as Candidate\" to submit one.")
	}

	for _, c := range cands {
		status := "pending review"
		if c.IsApproved {
			status = "approved ✅"
		}
		text := fmt.Sprintf("Candidacy #%d — %s (%s)", c.ID, c.Position, status)
		var menu [][]Button
		if c.IsApproved {
			menu = [][]Button{
				{{Label: "📷 Set Photo", Action: fmt.Sprintf("profile:photo:%d", c.ID)},
					{Label: "📝 Set Manifesto", Action: fmt.Sprintf("profile:manifesto:%d", c.ID)}},
				{{Label: "📣 Start 24h Campaign", Action: fmt.Sprintf("profile:campaign:%d", c.ID)},
					{Label: "📊 My Results", Action: "profile:results"}},
			}
		}
		if err := e.transport.SendMenu(ctx, ev.ChatID, text, menu); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) profileAction(ctx context.Context, ev Event, parts []string) error {
	switch parts[0] {
	case "photo", "manifesto":
		if len(parts) < 2 {
			return nil
		}
		candID, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil
		}
		if err := e.requireOwnApproved(ctx, ev, uint(candID)); err != nil {
			return err
		}
		step := flow.StepUploadPhoto
		prompt := "Send your campaign photo as an image."
		if parts[0] == "manifesto" {
			step = flow.StepManifesto
			prompt = "Send your manifesto as a single message (max 500 characters)."
		}
		if err := e.states.Set(ctx, ev.UserID, &flow.State{Step: step, CandidateID: uint(candID)}); err != nil {
			return err
		}
		return e.reply(ctx, ev, prompt)
	case "campaign":
		if len(parts) < 2 {
			return nil
		}
		candID, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil
		}
		return e.startCampaign(ctx, ev, uint(candID))
	case "results":
		return e.myResults(ctx, ev)
	default:
		return nil
	}
}

// requireOwnApproved 校验目标候选记录属于当前用户且已批准。
func (e *Engine) requireOwnApproved(ctx context.Context, ev Event, candID uint) error {
	cands, err := e.candidates.Candidacies(ctx, ev.UserID)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if c.ID == candID && c.IsApproved {
			return nil
		}
	}
	return e.reply(ctx, ev, "That candidacy is not yours or is not approved yet.")
}

func (e *Engine) startCampaign(ctx context.Context, ev Event, candID uint) error {
	cands, err := e.candidates.Candidacies(ctx, ev.UserID)
	if err != nil {
		return err
	}
	var own *struct {
		name, position string
	}
	for _, c := range cands {
		if c.ID == candID && c.IsApproved {
			own = &struct{ name, position string }{c.Name, c.Position}
			break
		}
	}
	if own == nil {
		return e.reply(ctx, ev, "That candidacy is not yours or is not approved yet.")
	}

	slot, err := e.campaigns.Start(ctx, election.Slot{
		CandidateID:   candID,
		UserID:        ev.UserID,
		CandidateName: own.name,
		Position:      own.position,
	})
	if errors.Is(err, election.ErrCampaignActive) {
		return e.reply(ctx, ev, "Another candidate is campaigning right now. Try again when their slot ends.")
	}
	if err != nil {
		return err
	}

	if _, err := e.broadcast(ctx, fmt.Sprintf("📣 %s is now campaigning for %s! Campaign runs until %s.",
		slot.CandidateName, slot.Position, slot.EndAt.Format("Mon 15:04"))); err != nil {
		e.logger.Warn("campaign broadcast failed", "error", err.Error())
	}
	return e.reply(ctx, ev, fmt.Sprintf("Your campaign is live until %s. Good luck! 📣", slot.EndAt.Format("Mon 15:04")))
}

// myResults 只在窗口关闭后展示候选人自己的得票。
func (e *Engine) myResults(ctx context.Context, ev Event) error {
	phase, _, err := e.windows.Status(ctx, time.Now())
	if err != nil {
		return err
	}
	if phase == election.PhaseOpen || phase == election.PhasePending {
		return e.reply(ctx, ev, "Results are available after voting closes.")
	}

	lines, err := e.candidates.MyResult(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return e.reply(ctx, ev, "You have no candidacy yet.")
	}
	var sb strings.Builder
	sb.WriteString("📊 Your results:\n")
	for _, l := range lines {
		fmt.Fprintf(&sb, "%s: %d vote(s)\n", l.Position, l.Votes)
	}
	return e.reply(ctx, ev, sb.String())
}

func (e *Engine) approve(ctx context.Context, ev Event, parts []string) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This action is for admins only.")
	}
	if len(parts) < 2 {
		return nil
	}
	candID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil
	}

	cand, err := e.candidates.Approve(ctx, uint(candID))
	if errors.Is(err, candidate.ErrNotFound) {
		return e.reply(ctx, ev, "That application no longer exists.")
	}
	if err != nil {
		return err
	}

	// 提示申请人完善资料
	if err := e.transport.SendMenu(ctx, cand.UserID,
		fmt.Sprintf("Congratulations! Your candidacy for %s has been approved. 🎉\nSet up your campaign profile:", cand.Position),
		[][]Button{
			{{Label: "📷 Set Photo", Action: fmt.Sprintf("profile:photo:%d", cand.ID)},
				{Label: "📝 Set Manifesto", Action: fmt.Sprintf("profile:manifesto:%d", cand.ID)}},
		}); err != nil {
		e.logger.Warn("notify approved candidate failed", "error", err.Error())
	}
	return e.reply(ctx, ev, fmt.Sprintf("Approved %s for %s. ✅", cand.Name, cand.Position))
}

func (e *Engine) reject(ctx context.Context, ev Event, parts []string) error {
	user, err := e.loadUser(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !e.isAdmin(user, ev.UserID) {
		return e.reply(ctx, ev, "This action is for admins only.")
	}
	if len(parts) < 2 {
		return nil
	}
	candID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil
	}

	cand, err := e.candidates.Reject(ctx, uint(candID))
	if errors.Is(err, candidate.ErrNotFound) {
		return e.reply(ctx, ev, "That application no longer exists.")
	}
	if err != nil {
		return err
	}

	if err := e.transport.SendMessage(ctx, cand.UserID,
		fmt.Sprintf("Your candidacy application for %s was not approved this time.", cand.Position)); err != nil {
		e.logger.Warn("notify rejected candidate failed", "error", err.Error())
	}
	return e.reply(ctx, ev, fmt.Sprintf("Rejected the application of %s for %s.", cand.Name, cand.Position))
}

// stepManifesto 处理宣言编辑步骤的文本。
func (e *Engine) stepManifesto(ctx context.Context, ev Event, state *flow.State) error {
	err := e.candidates.SetManifesto(ctx, state.CandidateID, strings.TrimSpace(ev.Text))
	switch {
	case errors.Is(err, candidate.ErrManifestoTooLong):
		return e.reply(ctx, ev, "That manifesto is over 500 characters. Trim it down and send it again.")
	case errors.Is(err, candidate.ErrNotFound):
		_ = e.states.Clear(ctx, ev.UserID)
		return e.reply(ctx, ev, "That candidacy no longer exists.")
	case err != nil:
		return err
	}
	if err := e.states.Clear(ctx, ev.UserID); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Manifesto saved. ✅")
}

func formatResults(results []ballot.PositionResult) string {
	var sb strings.Builder
	for _, pos := range results {
		fmt.Fprintf(&sb, "— %s —\n", pos.Position)
		for i, entry := range pos.Entries {
			marker := "  "
			if i == 0 {
				marker = "🏆"
			}
			fmt.Fprintf(&sb, "%s %s: %d vote(s)\n", marker, entry.Name, entry.Votes)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
