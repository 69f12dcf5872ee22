package janitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"nacospoll/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
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
	return db
}

func TestRun(t *testing.T) {
	db := newTestDB(t)
	j := New(db, slog.Default())
	ctx := context.Background()

	alive := model.User{ID: "10001", Name: "A", Email: "a.a@stu.cu.edu.ng", MatricNo: "21cg034021", Level: 300}
	if err := db.Create(&alive).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	seeds := []any{
		// 存活用户的有效数据要留下
		&model.Candidate{UserID: "10001", Name: "A", Position: "President"},
		&model.VerificationCode{UserID: "10001", Flow: "voter", Code: "111111",
			ExpiresAt: time.Now().Add(5 * time.Minute), IssuedAt: time.Now()},
		// 过期验证码
		&model.VerificationCode{UserID: "10001", Flow: "candidate", Code: "222222",
			ExpiresAt: time.Now().Add(-time.Minute), IssuedAt: time.Now().Add(-10 * time.Minute)},
		// 用户已不存在的孤儿行
		&model.Candidate{UserID: "gone", Name: "B", Position: "Treasurer"},
		&model.Vote{VoterID: "gone", CandidateID: 1, Ciphertext: "x"},
		&model.UserState{UserID: "gone", State: "{}"},
	}
	for _, s := range seeds {
		if err := db.Create(s).Error; err != nil {
			t.Fatalf("seed %T: %v", s, err)
		}
	}

	swept, err := j.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if swept != 4 {
		t.Fatalf("swept %d rows, want 4", swept)
	}

	var codes, cands, votes, states int64
	db.Model(&model.VerificationCode{}).Count(&codes)
	db.Model(&model.Candidate{}).Count(&cands)
	db.Model(&model.Vote{}).Count(&votes)
	db.Model(&model.UserState{}).Count(&states)
	if codes != 1 || cands != 1 || votes != 0 || states != 0 {
		t.Fatalf("rows after sweep: codes=%d cands=%d votes=%d states=%d", codes, cands, votes, states)
	}

	// 干净库上再跑一轮是空操作
	swept, err = j.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if swept != 0 {
		t.Fatalf("second sweep removed %d rows, want 0", swept)
	}
}
