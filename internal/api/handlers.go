package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"nacospoll/internal/ballot"
	"nacospoll/internal/election"
	"nacospoll/internal/model"
	"nacospoll/internal/pkg/metrics"
	"nacospoll/internal/validate"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type statsResponse struct {
	Users         int64  `json:"users"`
	VerifiedUsers int64  `json:"verified_users"`
	Candidacies   int64  `json:"candidacies"`
	Approved      int64  `json:"approved_candidacies"`
	Votes         int64  `json:"votes"`
	WindowPhase   string `json:"window_phase"`
}

func (s *Server) handleStats(c *gin.Context) {
	var resp statsResponse
	db := s.db.WithContext(c.Request.Context())
	for _, q := range []struct {
		dst   *int64
		count func(dst *int64) error
	}{
		{&resp.Users, func(dst *int64) error { return db.Model(&model.User{}).Count(dst).Error }},
		{&resp.VerifiedUsers, func(dst *int64) error {
			return db.Model(&model.User{}).Where("is_verified = ?", true).Count(dst).Error
		}},
		{&resp.Candidacies, func(dst *int64) error { return db.Model(&model.Candidate{}).Count(dst).Error }},
		{&resp.Approved, func(dst *int64) error {
			return db.Model(&model.Candidate{}).Where("is_approved = ?", true).Count(dst).Error
		}},
		{&resp.Votes, func(dst *int64) error { return db.Model(&model.Vote{}).Count(dst).Error }},
	} {
		if err := q.count(q.dst); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query stats failed"})
			return
		}
	}

	phase, _, err := s.windows.Status(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query window failed"})
		return
	}
	resp.WindowPhase = string(phase)
	c.JSON(http.StatusOK, resp)
}

type reportRow struct {
	Department string         `json:"department"`
	Total      int64          `json:"total"`
	Verified   int64          `json:"verified"`
	ByLevel    map[string]int `json:"by_level"`
}

// handleReport 按系别和层次拆分注册成员构成。
func (s *Server) handleReport(c *gin.Context) {
	var users []model.User
	if err := s.db.WithContext(c.Request.Context()).Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query users failed"})
		return
	}

	byDept := map[string]*reportRow{}
	for _, u := range users {
		res := validate.ValidateMatric(u.MatricNo)
		dept := res.DepartmentName
		if dept == "" {
			dept = "Unknown"
		}
		row, ok := byDept[dept]
		if !ok {
			row = &reportRow{Department: dept, ByLevel: map[string]int{}}
			byDept[dept] = row
		}
		row.Total++
		if u.IsVerified {
			row.Verified++
		}
		row.ByLevel[levelLabel(u.Level)]++
	}

	rows := make([]*reportRow, 0, len(byDept))
	for _, row := range byDept {
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"departments": rows, "generated_at": time.Now()})
}

func levelLabel(level int) string {
	switch level {
	case 100, 200, 300, 400:
		return strconv.Itoa(level)
	default:
		return "other"
	}
}

func (s *Server) handleResults(c *gin.Context) {
	results, err := s.ballots.Tally(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tally failed"})
		return
	}
	phase, _, err := s.windows.Status(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query window failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_phase": phase, "results": results})
}

// handleAudit 全量解密核对所有选票，输出一致性报告。
func (s *Server) handleAudit(c *gin.Context) {
	report, err := s.ballots.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleAuditVote 解密单张选票供人工比对。
func (s *Server) handleAuditVote(c *gin.Context) {
	voteID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vote id"})
		return
	}
	payload, err := s.ballots.AuditVote(c.Request.Context(), uint(voteID))
	if errors.Is(err, ballot.ErrVoteNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "vote not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decrypt vote failed"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

type userRow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	MatricNo   string    `json:"matric_no"`
	Level      int       `json:"level"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleListUsers(c *gin.Context) {
	var users []model.User
	err := s.db.WithContext(c.Request.Context()).
		Order("created_at ASC").
		Find(&users).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query users failed"})
		return
	}
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, userRow{
			ID:         u.ID,
			Name:       u.Name,
			Email:      u.Email,
			MatricNo:   u.MatricNo,
			Level:      u.Level,
			IsVerified: u.IsVerified,
			CreatedAt:  u.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": rows})
}

// handleDeleteUser 连带删除用户的选票、候选记录、验证码与状态。
func (s *Server) handleDeleteUser(c *gin.Context) {
	targetID := c.Param("id")
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
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
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}
	refreshRegisteredGauge(c.Request.Context(), s.db)
	c.JSON(http.StatusOK, gin.H{"deleted": targetID})
}

// refreshRegisteredGauge 以库内已验证用户数刷新注册人数指标。
func refreshRegisteredGauge(ctx context.Context, db *gorm.DB) {
	var count int64
	err := db.WithContext(ctx).Model(&model.User{}).
		Where("is_verified = ?", true).
		Count(&count).Error
	if err != nil {
		return
	}
	metrics.RegisteredUsers.Set(float64(count))
}

func (s *Server) handlePendingCandidates(c *gin.Context) {
	pending, err := s.candidates.PendingList(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query candidates failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

type windowRequest struct {
	Preset string     `json:"preset"`
	Start  *time.Time `json:"start"`
	End    *time.Time `json:"end"`
}

// handleSetWindow 支持预设或显式起止时间两种写法。
func (s *Server) handleSetWindow(c *gin.Context) {
	var req windowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Preset != "" {
		period, err := s.windows.SetPreset(c.Request.Context(), election.Preset(req.Preset))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"start_at": period.StartAt, "end_at": period.EndAt})
		return
	}

	if req.Start == nil || req.End == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "preset or start/end required"})
		return
	}
	if err := s.windows.Set(c.Request.Context(), *req.Start, *req.End); err != nil {
		if errors.Is(err, election.ErrBadWindow) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store window failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"start_at": req.Start, "end_at": req.End})
}

func (s *Server) handleClearWindow(c *gin.Context) {
	if err := s.windows.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear window failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
