package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"nacospoll/internal/ballot"
	"nacospoll/internal/candidate"
	"nacospoll/internal/election"
	"nacospoll/internal/flow"
	"nacospoll/internal/model"
	"nacospoll/internal/otp"
	"nacospoll/internal/pkg/metrics"

	"gorm.io/gorm"
)

// EventKind 是入站事件的类型。
type EventKind string

const (
	KindMessage EventKind = "message" // 普通文本
	KindCommand EventKind = "command" // 以 / 开头的命令
	KindAction  EventKind = "action"  // 按钮回调
	KindPhoto   EventKind = "photo"   // 图片消息
)

// Event 是经传输层归一化后的一条入站消息。
type Event struct {
	Kind     EventKind
	UserID   string // 聊天网络侧的用户标识
	ChatID   string // 回复目标，私聊场景等于 UserID
	Text     string
	Action   string // 按钮回调数据
	PhotoRef string // 图片的存储引用
}

// Button 是菜单里的一个按钮，Action 原样回传。
type Button struct {
	Label  string
	Action string
}

// Transport 抽象聊天网络的出站能力，真实网络客户端不在范围内。
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendMenu(ctx context.Context, chatID, text string, menu [][]Button) error
	SendPhoto(ctx context.Context, chatID, photoRef, caption string) error
}

var sixDigits = regexp.MustCompile(`^\d{6}$`)
var allDigits = regexp.MustCompile(`^\d+$`)

// Engine 是对话引擎，把入站事件路由到各业务服务。
type Engine struct {
	db          *gorm.DB
	states      *flow.Store
	codes       *otp.Issuer
	ballots     *ballot.Service
	candidates  *candidate.Service
	windows     *election.Windows
	campaigns   *election.Campaigns
	transport   Transport
	logger      *slog.Logger
	rootAdminID string
}

type Deps struct {
	DB          *gorm.DB
	States      *flow.Store
	Codes       *otp.Issuer
	Ballots     *ballot.Service
	Candidates  *candidate.Service
	Windows     *election.Windows
	Campaigns   *election.Campaigns
	Transport   Transport
	Logger      *slog.Logger
	RootAdminID string
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		db:          d.DB,
		states:      d.States,
		codes:       d.Codes,
		ballots:     d.Ballots,
		candidates:  d.Candidates,
		windows:     d.Windows,
		campaigns:   d.Campaigns,
		transport:   d.Transport,
		logger:      d.Logger,
		rootAdminID: d.RootAdminID,
	}
}

// HandleEvent 处理一条入站事件。
//
// 任何处理失败只影响本次请求，引擎本身不退出；错误返回给
// 传输层记录。
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	metrics.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case KindCommand:
		return e.handleCommand(ctx, ev)
	case KindAction:
		return e.handleAction(ctx, ev)
	case KindPhoto:
		return e.handlePhoto(ctx, ev)
	case KindMessage:
		return e.handleText(ctx, ev)
	default:
		e.logger.Warn("unknown event kind", slog.String("kind", string(ev.Kind)))
		return nil
	}
}

// handleText 按固定优先级分发自由文本:
// 6 位数字先按验证码试（选民通道优先于候选通道），然后看对话
// 状态（投票/照片/宣言/注册链），都不沾边的纯数字静默忽略。
func (e *Engine) handleText(ctx context.Context, ev Event) error {
	if sixDigits.MatchString(ev.Text) {
		handled, err := e.tryVerifyCode(ctx, ev)
		if err != nil || handled {
			return err
		}
	}

	state, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if state != nil {
		switch state.Step {
		case flow.StepVoting:
			return e.stepVoting(ctx, ev, state)
		case flow.StepManifesto:
			return e.stepManifesto(ctx, ev, state)
		case flow.StepName, flow.StepMatric, flow.StepLevel, flow.StepEmail:
			return e.stepRegistration(ctx, ev, state)
		case flow.StepUploadPhoto:
			return e.reply(ctx, ev, "Please send your campaign photo as an image, not text.")
		}
	}

	if allDigits.MatchString(ev.Text) {
		// 无状态下的纯数字多半是残留的验证码重发，静默忽略
		return nil
	}
	return e.reply(ctx, ev, "I didn't understand that. Send /help to see what I can do.")
}

// handlePhoto 只在等待照片的步骤里接收图片。
func (e *Engine) handlePhoto(ctx context.Context, ev Event) error {
	state, err := e.states.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if state == nil || state.Step != flow.StepUploadPhoto {
		return e.reply(ctx, ev, "I wasn't expecting a photo. Send /help to see what I can do.")
	}
	if err := e.candidates.SetPhoto(ctx, state.CandidateID, ev.PhotoRef); err != nil {
		if errors.Is(err, candidate.ErrNotFound) {
			_ = e.states.Clear(ctx, ev.UserID)
			return e.reply(ctx, ev, "That candidacy no longer exists.")
		}
		return err
	}
	if err := e.states.Clear(ctx, ev.UserID); err != nil {
		return err
	}
	return e.reply(ctx, ev, "Campaign photo saved. ✅")
}

// tryVerifyCode 依次尝试选民码、候选码。两个通道都没有存活码
// 时返回 handled=false，让文本走后续分发。
func (e *Engine) tryVerifyCode(ctx context.Context, ev Event) (bool, error) {
	for _, f := range []otp.Flow{otp.FlowVoter, otp.FlowCandidate} {
		err := e.codes.Verify(ctx, ev.UserID, f, ev.Text)
		switch {
		case err == nil:
			return true, e.codeVerified(ctx, ev, f)
		case errors.Is(err, otp.ErrMismatch):
			return true, e.reply(ctx, ev, "That code doesn't match. Double-check your email and try again.")
		case errors.Is(err, otp.ErrExpired):
			return true, e.reply(ctx, ev, "That code has expired. Start the flow again to get a fresh one.")
		case errors.Is(err, otp.ErrNotFound):
			continue
		default:
			return true, err
		}
	}
	return false, nil
}

// codeVerified 按通道落地验证成功后的效果。
func (e *Engine) codeVerified(ctx context.Context, ev Event, f otp.Flow) error {
	switch f {
	case otp.FlowVoter:
		err := e.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ?", ev.UserID).
			Update("is_verified", true).Error
		if err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		e.refreshRegisteredGauge(ctx)
		if err := e.states.Clear(ctx, ev.UserID); err != nil {
			return err
		}
		return e.transport.SendMenu(ctx, ev.ChatID,
			"Email verified — you are now a registered voter! 🎉",
			e.mainMenu())
	case otp.FlowCandidate:
		if err := e.states.Clear(ctx, ev.UserID); err != nil {
			return err
		}
		e.notifyAdmin(ctx, fmt.Sprintf("New candidacy application from user %s awaits review. Use /list_pending_candidates.", ev.UserID))
		return e.reply(ctx, ev, "Application confirmed. An admin will review it shortly.")
	default:
		return nil
	}
}

// refreshRegisteredGauge 以库内已验证用户数刷新注册人数指标，
// 重启后指标不归零。
func (e *Engine) refreshRegisteredGauge(ctx context.Context) {
	var count int64
	err := e.db.WithContext(ctx).Model(&model.User{}).
		Where("is_verified = ?", true).
		Count(&count).Error
	if err != nil {
		e.logger.Warn("count verified users failed", slog.String("error", err.Error()))
		return
	}
	metrics.RegisteredUsers.Set(float64(count))
}

func (e *Engine) reply(ctx context.Context, ev Event, text string) error {
	return e.transport.SendMessage(ctx, ev.ChatID, text)
}

// notifyAdmin 给根管理员发通知，失败只记日志。
func (e *Engine) notifyAdmin(ctx context.Context, text string) {
	if e.rootAdminID == "" {
		return
	}
	if err := e.transport.SendMessage(ctx, e.rootAdminID, text); err != nil {
		e.logger.Warn("notify admin failed", slog.String("error", err.Error()))
	}
}

// loadUser 返回用户记录，不存在时返回 (nil, nil)。
func (e *Engine) loadUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := e.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

func (e *Engine) isAdmin(user *model.User, userID string) bool {
	if userID == e.rootAdminID {
		return true
	}
	return user != nil && user.IsAdmin
}

func (e *Engine) mainMenu() [][]Button {
	return [][]Button{
		{{Label: "🗳 Vote", Action: "vote"}, {Label: "📋 View Candidates", Action: "list_candidates"}},
		{{Label: "🙋 Apply as Candidate", Action: "apply"}, {Label: "📣 Campaign Status", Action: "campaign_status"}},
		{{Label: "👤 My Candidacy", Action: "profile"}},
	}
}
