package candidate

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"nacospoll/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
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
	return NewService(db, slog.Default())
}

func member(id, matric string, level int) *model.User {
	return &model.User{
		ID:         id,
		Name:       "User " + id,
		Email:      id + "@stu.cu.edu.ng",
		MatricNo:   matric,
		Level:      level,
		IsVerified: true,
	}
}

func TestApply(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user := member("10001", "21cg034021", 300)

	cand, err := svc.Apply(ctx, user, "President")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cand.IsApproved {
		t.Fatal("fresh application must be unapproved")
	}
	if cand.Name != user.Name || cand.Position != "President" {
		t.Fatalf("stored candidacy = %+v", cand)
	}

	// 同职位重复申请
	if _, err := svc.Apply(ctx, user, "President"); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("duplicate Apply = %v, want ErrAlreadyApplied", err)
	}
	// 换个职位可以
	if _, err := svc.Apply(ctx, user, "Treasurer"); err != nil {
		t.Fatalf("Apply second position: %v", err)
	}
}

func TestApplyEligibility(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name     string
		user     *model.User
		position string
	}{
		{"below candidate floor", member("1", "21cg034021", 100), "Treasurer"},
		{"level too low for president", member("2", "22cg034022", 200), "President"},
		{"level too low for vice president", member("3", "22cg034023", 200), "Vice President"},
		{"not a member", member("4", "21ee034024", 300), "Treasurer"},
		{"unknown position", member("5", "21cg034025", 300), "Prime Minister"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Apply(ctx, tc.user, tc.position); !errors.Is(err, ErrNotEligible) {
				t.Fatalf("Apply = %v, want ErrNotEligible", err)
			}
		})
	}

	// 300 级可以竞选主席
	if _, err := svc.Apply(ctx, member("6", "21cg034026", 300), "President"); err != nil {
		t.Fatalf("Apply eligible: %v", err)
	}
}

func TestApproveAndReject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cand, err := svc.Apply(ctx, member("10001", "21cg034021", 300), "President")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	approved, err := svc.Approve(ctx, cand.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !approved.IsApproved {
		t.Fatal("Approve did not flip is_approved")
	}
	// 重复批准幂等
	if _, err := svc.Approve(ctx, cand.ID); err != nil {
		t.Fatalf("second Approve: %v", err)
	}

	rejected, err := svc.Reject(ctx, cand.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Position != "President" {
		t.Fatalf("rejected candidacy = %+v", rejected)
	}

	if _, err := svc.Approve(ctx, cand.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Approve after Reject = %v, want ErrNotFound", err)
	}
}

func TestRejectMissingTouchesNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cand, err := svc.Apply(ctx, member("10001", "21cg034021", 300), "President")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := svc.Reject(ctx, cand.ID+999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reject missing = %v, want ErrNotFound", err)
	}

	var count int64
	if err := svc.db.Model(&model.Candidate{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("candidacies = %d after bad reject, want 1", count)
	}
}

func TestSetPhotoAndManifesto(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cand, err := svc.Apply(ctx, member("10001", "21cg034021", 300), "President")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := svc.SetPhoto(ctx, cand.ID, "file-abc123"); err != nil {
		t.Fatalf("SetPhoto: %v", err)
	}
	if err := svc.SetManifesto(ctx, cand.ID, "Better welfare for every member."); err != nil {
		t.Fatalf("SetManifesto: %v", err)
	}

	var stored model.Candidate
	if err := svc.db.First(&stored, "id = ?", cand.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.PhotoRef == nil || *stored.PhotoRef != "file-abc123" {
		t.Fatalf("PhotoRef = %v", stored.PhotoRef)
	}
	if stored.Manifesto == nil || *stored.Manifesto == "" {
		t.Fatal("Manifesto not stored")
	}

	long := make([]rune, 501)
	for i := range long {
		long[i] = 'a'
	}
	if err := svc.SetManifesto(ctx, cand.ID, string(long)); !errors.Is(err, ErrManifestoTooLong) {
		t.Fatalf("oversized manifesto = %v, want ErrManifestoTooLong", err)
	}
	if err := svc.SetPhoto(ctx, cand.ID+999, "file-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPhoto missing = %v, want ErrNotFound", err)
	}
}

func TestListsAndBallotOptions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Apply(ctx, member("10001", "21cg034021", 300), "President")
	b, _ := svc.Apply(ctx, member("20002", "21cg034022", 300), "President")
	c, _ := svc.Apply(ctx, member("30003", "21cg034023", 200), "Treasurer")
	if a == nil || b == nil || c == nil {
		t.Fatal("seed applications failed")
	}

	pending, err := svc.PendingList(ctx)
	if err != nil {
		t.Fatalf("PendingList: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}

	if _, err := svc.Approve(ctx, a.ID); err != nil {
		t.Fatalf("Approve a: %v", err)
	}
	if _, err := svc.Approve(ctx, b.ID); err != nil {
		t.Fatalf("Approve b: %v", err)
	}

	approved, err := svc.ApprovedList(ctx)
	if err != nil {
		t.Fatalf("ApprovedList: %v", err)
	}
	if len(approved) != 2 {
		t.Fatalf("approved = %d, want 2", len(approved))
	}

	// 候选人自己的条目不在自己的选票里
	options, err := svc.BallotOptions(ctx, "10001")
	if err != nil {
		t.Fatalf("BallotOptions: %v", err)
	}
	if len(options) != 1 || options[0].UserID != "20002" {
		t.Fatalf("ballot options for 10001 = %+v", options)
	}

	// 非候选人看到全部在票条目
	options, err = svc.BallotOptions(ctx, "99999")
	if err != nil {
		t.Fatalf("BallotOptions: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("ballot options for outsider = %d, want 2", len(options))
	}
}

func TestMyResult(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cand, err := svc.Apply(ctx, member("10001", "21cg034021", 300), "President")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := svc.Approve(ctx, cand.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	for _, voter := range []string{"v1", "v2", "v3"} {
		vote := model.Vote{VoterID: voter, CandidateID: cand.ID, Ciphertext: "x"}
		if err := svc.db.Create(&vote).Error; err != nil {
			t.Fatalf("seed vote: %v", err)
		}
	}

	lines, err := svc.MyResult(ctx, "10001")
	if err != nil {
		t.Fatalf("MyResult: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if lines[0].Votes != 3 || !lines[0].Approved || lines[0].Position != "President" {
		t.Fatalf("line = %+v", lines[0])
	}

	empty, err := svc.MyResult(ctx, "nobody")
	if err != nil {
		t.Fatalf("MyResult nobody: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("lines for non-candidate = %d, want 0", len(empty))
	}
}
