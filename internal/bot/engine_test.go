package bot

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nacospoll/internal/ballot"
	"nacospoll/internal/candidate"
	"nacospoll/internal/election"
	"nacospoll/internal/flow"
	"nacospoll/internal/model"
	"nacospoll/internal/otp"
	"nacospoll/internal/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type sentMsg struct {
	chat string
	text string
}

type mockTransport struct {
	mu       sync.Mutex
	messages []sentMsg
	menus    []sentMsg
	photos   []sentMsg
}

func (m *mockTransport) SendMessage(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMsg{chat: chatID, text: text})
	return nil
}

func (m *mockTransport) SendMenu(_ context.Context, chatID, text string, _ [][]Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menus = append(m.menus, sentMsg{chat: chatID, text: text})
	return nil
}

func (m *mockTransport) SendPhoto(_ context.Context, chatID, _, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos = append(m.photos, sentMsg{chat: chatID, text: caption})
	return nil
}

func (m *mockTransport) last(t *testing.T) sentMsg {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(append([]sentMsg{}, m.messages...), m.menus...)
	if len(all) == 0 {
		t.Fatal("no outbound messages")
	}
	return all[len(all)-1]
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages) + len(m.menus) + len(m.photos)
}

type mailSink struct {
	mu   sync.Mutex
	sent []string
}

func (m *mailSink) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

type fixture struct {
	engine    *Engine
	db        *gorm.DB
	transport *mockTransport
	mail      *mailSink
}

const rootAdmin = "root-admin"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	keys, err := ballot.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	logger := slog.Default()
	mail := &mailSink{}
	transport := &mockTransport{}
	engine := NewEngine(Deps{
		DB:          db,
		States:      flow.NewStore(db),
		Codes:       otp.NewIssuer(db, nil, mail, logger, 5*time.Minute, time.Minute),
		Ballots:     ballot.NewService(db, keys, logger, "nacos_2024"),
		Candidates:  candidate.NewService(db, logger),
		Windows:     election.NewWindows(db, 8*time.Hour),
		Campaigns:   election.NewCampaigns(rdb, logger, 24*time.Hour, nil),
		Transport:   transport,
		Logger:      logger,
		RootAdminID: rootAdmin,
	})
	return &fixture{engine: engine, db: db, transport: transport, mail: mail}
}

func (f *fixture) storedCode(t *testing.T, userID string, fl otp.Flow) string {
	t.Helper()
	var rec model.VerificationCode
	err := f.db.First(&rec, "user_id = ? AND flow = ?", userID, string(fl)).Error
	if err != nil {
		t.Fatalf("load code for %s/%s: %v", userID, fl, err)
	}
	return rec.Code
}

func (f *fixture) send(t *testing.T, ev Event) {
	t.Helper()
	if ev.ChatID == "" {
		ev.ChatID = ev.UserID
	}
	if err := f.engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent(%+v): %v", ev, err)
	}
}

func text(user, body string) Event {
	return Event{Kind: KindMessage, UserID: user, Text: body}
}

func action(user, data string) Event {
	return Event{Kind: KindAction, UserID: user, Action: data}
}

// registerVerified 跑完整条注册链并完成验证码核销。
func (f *fixture) registerVerified(t *testing.T, userID, matric, level, email string) {
	t.Helper()
	f.send(t, Event{Kind: KindCommand, UserID: userID, Text: "/register"})
	f.send(t, text(userID, "Jane Doe"))
	f.send(t, text(userID, matric))
	f.send(t, text(userID, level))
	f.send(t, text(userID, email))
	f.send(t, text(userID, f.storedCode(t, userID, otp.FlowVoter)))
}

func TestRegistrationChain(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")

	var user model.User
	if err := f.db.First(&user, "id = ?", "10001").Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if !user.IsVerified {
		t.Fatal("user not verified after OTP")
	}
	if user.MatricNo != "21cg034021" || user.Level != 300 || user.Email != "jane.doe@stu.cu.edu.ng" {
		t.Fatalf("stored user = %+v", user)
	}

	var state model.UserState
	if err := f.db.First(&state, "user_id = ?", "10001").Error; err == nil {
		t.Fatal("conversation state survived registration")
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("mails sent = %d, want 1", len(f.mail.sent))
	}
}

func TestRegistrationRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.send(t, Event{Kind: KindCommand, UserID: "10001", Text: "/register"})
	f.send(t, text("10001", "Jane Doe"))

	// 非 NACOS 系别学号被拒，链条停在原步骤
	f.send(t, text("10001", "21EE034021"))
	if got := f.transport.last(t).text; !strings.Contains(got, "not a NACOS") {
		t.Fatalf("reply = %q", got)
	}
	f.send(t, text("10001", "21CG034021"))

	f.send(t, text("10001", "350"))
	if got := f.transport.last(t).text; !strings.Contains(got, "Level must be") {
		t.Fatalf("reply = %q", got)
	}
	f.send(t, text("10001", "300"))

	f.send(t, text("10001", "janedoe@gmail.com"))
	if got := f.transport.last(t).text; !strings.Contains(got, "student address") {
		t.Fatalf("reply = %q", got)
	}
}

func TestRegistrationDuplicateMatric(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")

	f.send(t, Event{Kind: KindCommand, UserID: "20002", Text: "/register"})
	f.send(t, text("20002", "John Roe"))
	f.send(t, text("20002", "21cg034021"))
	if got := f.transport.last(t).text; !strings.Contains(got, "already registered") {
		t.Fatalf("reply = %q", got)
	}
}

func TestWrongCodeKeepsCodeAlive(t *testing.T) {
	f := newFixture(t)
	f.send(t, Event{Kind: KindCommand, UserID: "10001", Text: "/register"})
	f.send(t, text("10001", "Jane Doe"))
	f.send(t, text("10001", "21CG034021"))
	f.send(t, text("10001", "300"))
	f.send(t, text("10001", "jane.doe@stu.cu.edu.ng"))

	f.send(t, text("10001", "000000"))
	if got := f.transport.last(t).text; !strings.Contains(got, "doesn't match") {
		t.Fatalf("reply = %q", got)
	}
	// 正确码依然可用
	f.send(t, text("10001", f.storedCode(t, "10001", otp.FlowVoter)))
	var user model.User
	if err := f.db.First(&user, "id = ?", "10001").Error; err != nil || !user.IsVerified {
		t.Fatalf("user after retry = %+v, err %v", user, err)
	}
}

func TestStatelessNumericIsNoOp(t *testing.T) {
	f := newFixture(t)
	before := f.transport.count()
	f.send(t, text("10001", "123456"))
	f.send(t, text("10001", "42"))
	if f.transport.count() != before {
		t.Fatalf("numeric text without state produced %d replies, want 0", f.transport.count()-before)
	}

	// 非数字文本仍然有引导回复
	f.send(t, text("10001", "hello"))
	if f.transport.count() != before+1 {
		t.Fatal("free text should get a help hint")
	}
}

func TestVotingFlow(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")

	// 20002 参选并获批
	f.send(t, action("20002", "apply:President"))
	f.send(t, text("20002", f.storedCode(t, "20002", otp.FlowCandidate)))
	var cand model.Candidate
	if err := f.db.First(&cand, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load candidacy: %v", err)
	}
	f.send(t, action(rootAdmin, "approve:"+itoa(cand.ID)))

	// 窗口未配置
	f.send(t, action("10001", "vote"))
	if got := f.transport.last(t).text; !strings.Contains(got, "hasn't been scheduled") {
		t.Fatalf("reply = %q", got)
	}

	f.send(t, action(rootAdmin, "admin:window:start_now"))
	f.send(t, action("10001", "vote:"+itoa(cand.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "has been recorded") {
		t.Fatalf("reply = %q", got)
	}

	var vote model.Vote
	if err := f.db.First(&vote, "voter_id = ?", "10001").Error; err != nil {
		t.Fatalf("load vote: %v", err)
	}
	if vote.CandidateID != cand.ID {
		t.Fatalf("vote = %+v", vote)
	}

	// 再投 → 已投提示
	f.send(t, action("10001", "vote:"+itoa(cand.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "already cast") {
		t.Fatalf("reply = %q", got)
	}

	// 候选人自己的选票里没有自己
	f.send(t, action("20002", "vote"))
	if got := f.transport.last(t).text; !strings.Contains(got, "no approved candidates") {
		t.Fatalf("reply = %q", got)
	}
}

func TestBallotNumericReply(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	f.send(t, action("20002", "apply:President"))
	f.send(t, text("20002", f.storedCode(t, "20002", otp.FlowCandidate)))
	var cand model.Candidate
	if err := f.db.First(&cand, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load candidacy: %v", err)
	}
	f.send(t, action(rootAdmin, "approve:"+itoa(cand.ID)))
	f.send(t, action(rootAdmin, "admin:window:start_now"))

	// 打开选票，进入投票状态并快照候选人
	f.send(t, action("10001", "vote"))

	// 快照之外的号码不落票
	f.send(t, text("10001", "999"))
	if got := f.transport.last(t).text; !strings.Contains(got, "isn't on your ballot") {
		t.Fatalf("reply = %q", got)
	}
	if countWhere(t, f.db, &model.Vote{}, "voter_id = ?", "10001") != 0 {
		t.Fatal("unlisted number cast a vote")
	}

	// 数字回复等价于点按钮
	f.send(t, text("10001", itoa(cand.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "has been recorded") {
		t.Fatalf("reply = %q", got)
	}
	var vote model.Vote
	if err := f.db.First(&vote, "voter_id = ?", "10001").Error; err != nil {
		t.Fatalf("load vote: %v", err)
	}
	if vote.CandidateID != cand.ID {
		t.Fatalf("vote = %+v", vote)
	}

	// 落票清掉了投票状态，之后的纯数字回到静默忽略
	before := f.transport.count()
	f.send(t, text("10001", itoa(cand.ID)))
	if f.transport.count() != before {
		t.Fatal("numeric text after voting should be a no-op")
	}
}

func TestReRegisterKeepsOwnMatric(t *testing.T) {
	f := newFixture(t)
	// 半途弃疗的注册留下了带学号的占位行
	user := model.User{
		ID:       "10001",
		Name:     "Jane Doe",
		Email:    "jane.doe@stu.cu.edu.ng",
		MatricNo: "21cg034021",
		Level:    300,
	}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	f.send(t, Event{Kind: KindCommand, UserID: "10001", Text: "/register"})
	f.send(t, text("10001", "Jane Doe"))
	f.send(t, text("10001", "21CG034021"))
	if got := f.transport.last(t).text; !strings.Contains(got, "What is your level") {
		t.Fatalf("own matric on re-register got %q", got)
	}

	// 别人占用的学号仍然被挡
	f.send(t, text("10001", "300"))
	f.send(t, text("10001", "jane.doe@stu.cu.edu.ng"))
	f.send(t, text("10001", f.storedCode(t, "10001", otp.FlowVoter)))
	f.send(t, Event{Kind: KindCommand, UserID: "20002", Text: "/register"})
	f.send(t, text("20002", "John Roe"))
	f.send(t, text("20002", "21CG034021"))
	if got := f.transport.last(t).text; !strings.Contains(got, "already registered") {
		t.Fatalf("foreign matric got %q", got)
	}
}

func TestRegisterResumesWithPendingCode(t *testing.T) {
	f := newFixture(t)
	f.send(t, Event{Kind: KindCommand, UserID: "10001", Text: "/register"})
	f.send(t, text("10001", "Jane Doe"))
	f.send(t, text("10001", "21CG034021"))
	f.send(t, text("10001", "300"))
	f.send(t, text("10001", "jane.doe@stu.cu.edu.ng"))

	// 码还活着时重跑 /register 不重置链条、不再发邮件
	f.send(t, Event{Kind: KindCommand, UserID: "10001", Text: "/register"})
	if got := f.transport.last(t).text; !strings.Contains(got, "already have a verification code") {
		t.Fatalf("reply = %q", got)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("mails sent = %d, want 1", len(f.mail.sent))
	}

	f.send(t, text("10001", f.storedCode(t, "10001", otp.FlowVoter)))
	var user model.User
	if err := f.db.First(&user, "id = ?", "10001").Error; err != nil || !user.IsVerified {
		t.Fatalf("user after resume = %+v, err %v", user, err)
	}
}

func TestRegisteredUsersGaugeTracksCount(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	if got := testutil.ToFloat64(metrics.RegisteredUsers); got != 2 {
		t.Fatalf("gauge = %v, want 2", got)
	}

	f.send(t, action(rootAdmin, "admin:del_user:20002"))
	if got := testutil.ToFloat64(metrics.RegisteredUsers); got != 1 {
		t.Fatalf("gauge after delete = %v, want 1", got)
	}
}

func TestRejectNotifiesApplicant(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	f.send(t, action("20002", "apply:Treasurer"))
	var cand model.Candidate
	if err := f.db.First(&cand, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load candidacy: %v", err)
	}

	f.send(t, action(rootAdmin, "reject:"+itoa(cand.ID)))

	var gone model.Candidate
	if err := f.db.First(&gone, "id = ?", cand.ID).Error; err == nil {
		t.Fatal("rejected candidacy still present")
	}
	found := false
	for _, m := range f.transport.messages {
		if m.chat == "20002" && strings.Contains(m.text, "not approved") {
			found = true
		}
	}
	if !found {
		t.Fatal("applicant was not notified of the rejection")
	}
}

func TestAdminGuard(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")

	for _, ev := range []Event{
		{Kind: KindCommand, UserID: "10001", Text: "/admin"},
		{Kind: KindCommand, UserID: "10001", Text: "/list_pending_candidates"},
		{Kind: KindCommand, UserID: "10001", Text: "/publish_results"},
		action("10001", "admin:window:start_now"),
		action("10001", "approve:1"),
	} {
		f.send(t, ev)
		if got := f.transport.last(t).text; !strings.Contains(got, "admins only") {
			t.Fatalf("non-admin got %q for %q", got, ev.Text+ev.Action)
		}
	}
	// 窗口没被偷偷设上
	var count int64
	if err := f.db.Model(&model.VotingPeriod{}).Count(&count).Error; err != nil || count != 0 {
		t.Fatalf("voting periods = %d (err %v), want 0", count, err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	f.send(t, action("20002", "apply:President"))
	var cand model.Candidate
	if err := f.db.First(&cand, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load candidacy: %v", err)
	}
	f.send(t, action(rootAdmin, "approve:"+itoa(cand.ID)))
	f.send(t, action(rootAdmin, "admin:window:start_now"))
	f.send(t, action("10001", "vote:"+itoa(cand.ID)))

	f.send(t, action(rootAdmin, "admin:del_user:20002"))

	for name, count := range map[string]int64{
		"users":              countWhere(t, f.db, &model.User{}, "id = ?", "20002"),
		"candidates":         countWhere(t, f.db, &model.Candidate{}, "user_id = ?", "20002"),
		"verification_codes": countWhere(t, f.db, &model.VerificationCode{}, "user_id = ?", "20002"),
		"user_states":        countWhere(t, f.db, &model.UserState{}, "user_id = ?", "20002"),
	} {
		if count != 0 {
			t.Fatalf("%s still has rows for the deleted user", name)
		}
	}
	// 其他用户的数据不受影响
	if countWhere(t, f.db, &model.User{}, "id = ?", "10001") != 1 {
		t.Fatal("unrelated user vanished")
	}
}

func TestCampaignLifecycleViaBot(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	f.registerVerified(t, "30003", "21CG034023", "300", "mary.roe@stu.cu.edu.ng")
	for _, u := range []string{"20002", "30003"} {
		f.send(t, action(u, "apply:President"))
		f.send(t, text(u, f.storedCode(t, u, otp.FlowCandidate)))
		var cand model.Candidate
		if err := f.db.First(&cand, "user_id = ?", u).Error; err != nil {
			t.Fatalf("load candidacy: %v", err)
		}
		f.send(t, action(rootAdmin, "approve:"+itoa(cand.ID)))
	}
	var first, second model.Candidate
	if err := f.db.First(&first, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := f.db.First(&second, "user_id = ?", "30003").Error; err != nil {
		t.Fatalf("load second: %v", err)
	}

	f.send(t, action("20002", "profile:campaign:"+itoa(first.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "is live") {
		t.Fatalf("reply = %q", got)
	}

	// 槽位被占
	f.send(t, action("30003", "profile:campaign:"+itoa(second.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "campaigning right now") {
		t.Fatalf("reply = %q", got)
	}

	f.send(t, Event{Kind: KindCommand, UserID: "30003", Text: "/campaign_status"})
	if got := f.transport.last(t).text; !strings.Contains(got, "President") {
		t.Fatalf("status = %q", got)
	}

	f.send(t, action(rootAdmin, "admin:end_campaign"))
	f.send(t, action("30003", "profile:campaign:"+itoa(second.ID)))
	if got := f.transport.last(t).text; !strings.Contains(got, "is live") {
		t.Fatalf("second campaign after end = %q", got)
	}
}

func TestPublishResults(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "10001", "21CG034021", "300", "jane.doe@stu.cu.edu.ng")
	f.registerVerified(t, "20002", "21CG034022", "300", "john.roe@stu.cu.edu.ng")
	f.send(t, action("20002", "apply:President"))
	var cand model.Candidate
	if err := f.db.First(&cand, "user_id = ?", "20002").Error; err != nil {
		t.Fatalf("load candidacy: %v", err)
	}
	f.send(t, action(rootAdmin, "approve:"+itoa(cand.ID)))
	f.send(t, action(rootAdmin, "admin:window:start_now"))
	f.send(t, action("10001", "vote:"+itoa(cand.ID)))

	// 窗口还开着，不能发布
	f.send(t, Event{Kind: KindCommand, UserID: rootAdmin, Text: "/publish_results"})
	if got := f.transport.last(t).text; !strings.Contains(got, "still open") {
		t.Fatalf("reply = %q", got)
	}

	// 关窗后发布，已验证用户都收到广播
	now := time.Now()
	if err := f.engine.windows.Set(context.Background(), now.Add(-9*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("close window: %v", err)
	}
	f.send(t, Event{Kind: KindCommand, UserID: rootAdmin, Text: "/publish_results"})

	reached := map[string]bool{}
	for _, m := range f.transport.messages {
		if strings.Contains(m.text, "Election Results") {
			reached[m.chat] = true
		}
	}
	if !reached["10001"] || !reached["20002"] {
		t.Fatalf("broadcast reached %v, want both voters", reached)
	}
}

func countWhere(t *testing.T, db *gorm.DB, m any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(m).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
