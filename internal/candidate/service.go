package candidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"nacospoll/internal/model"
	"nacospoll/internal/validate"

	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("candidacy not found")
	ErrAlreadyApplied   = errors.New("already applied for this position")
	ErrNotEligible      = errors.New("not eligible for this position")
	ErrManifestoTooLong = errors.New("manifesto exceeds the length limit")
)

// Service 管理候选人从申请到批准的全生命周期。
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Apply 提交一条待审的参选申请。
//
// 资格检查（会员系别、层次下限、职位层次门槛）在落库前完成；
// 同一用户对同一职位重复申请被 (user_id, position) 唯一索引拦下。
func (s *Service) Apply(ctx context.Context, user *model.User, position string) (*model.Candidate, error) {
	if !validate.KnownPosition(position) {
		return nil, fmt.Errorf("%w: unknown position %q", ErrNotEligible, position)
	}
	elig := validate.CanApplyForPosition(user.MatricNo, position, user.Level)
	if !elig.CanApply {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, elig.Reason)
	}

	cand := model.Candidate{
		UserID:   user.ID,
		Name:     user.Name,
		Position: position,
	}
	if err := s.db.WithContext(ctx).Create(&cand).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyApplied
		}
		return nil, fmt.Errorf("store candidacy: %w", err)
	}

	s.logger.Info("candidacy submitted",
		slog.String("user_id", user.ID),
		slog.String("position", position))
	return &cand, nil
}

// Approve 批准一条申请，之后该候选人进入选票。
func (s *Service) Approve(ctx context.Context, candidateID uint) (*model.Candidate, error) {
	var cand model.Candidate
	err := s.db.WithContext(ctx).First(&cand, "id = ?", candidateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load candidacy: %w", err)
	}
	if !cand.IsApproved {
		if err := s.db.WithContext(ctx).Model(&cand).Update("is_approved", true).Error; err != nil {
			return nil, fmt.Errorf("approve candidacy: %w", err)
		}
		cand.IsApproved = true
	}
	s.logger.Info("candidacy approved",
		slog.Uint64("candidate_id", uint64(candidateID)),
		slog.String("position", cand.Position))
	return &cand, nil
}

// Reject 驳回并删除一条申请。
//
// 目标不存在时返回 ErrNotFound 且不动任何行。
func (s *Service) Reject(ctx context.Context, candidateID uint) (*model.Candidate, error) {
	var cand model.Candidate
	err := s.db.WithContext(ctx).First(&cand, "id = ?", candidateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load candidacy: %w", err)
	}
	res := s.db.WithContext(ctx).Delete(&model.Candidate{}, "id = ?", candidateID)
	if res.Error != nil {
		return nil, fmt.Errorf("reject candidacy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	s.logger.Info("candidacy rejected",
		slog.Uint64("candidate_id", uint64(candidateID)),
		slog.String("position", cand.Position))
	return &cand, nil
}

// SetPhoto 记录候选人照片的存储引用，照片本体不落库。
func (s *Service) SetPhoto(ctx context.Context, candidateID uint, photoRef string) error {
	res := s.db.WithContext(ctx).Model(&model.Candidate{}).
		Where("id = ?", candidateID).
		Update("photo_ref", photoRef)
	if res.Error != nil {
		return fmt.Errorf("set photo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetManifesto 更新竞选宣言，超长直接拒绝。
func (s *Service) SetManifesto(ctx context.Context, candidateID uint, text string) error {
	if !validate.ValidManifesto(text) {
		return ErrManifestoTooLong
	}
	res := s.db.WithContext(ctx).Model(&model.Candidate{}).
		Where("id = ?", candidateID).
		Update("manifesto", text)
	if res.Error != nil {
		return fmt.Errorf("set manifesto: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingList 返回所有待审申请，按提交时间先后排列。
func (s *Service) PendingList(ctx context.Context) ([]model.Candidate, error) {
	var cands []model.Candidate
	err := s.db.WithContext(ctx).
		Where("is_approved = ?", false).
		Order("created_at ASC").
		Find(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("list pending candidacies: %w", err)
	}
	return cands, nil
}

// ApprovedList 返回所有在票候选人，按职位再按姓名排序。
func (s *Service) ApprovedList(ctx context.Context) ([]model.Candidate, error) {
	var cands []model.Candidate
	err := s.db.WithContext(ctx).
		Where("is_approved = ?", true).
		Order("position ASC, name ASC").
		Find(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("list approved candidacies: %w", err)
	}
	return cands, nil
}

// BallotOptions 返回某选民可见的选票选项。
//
// 候选人本人的条目不出现在自己的选票上，自投在入口处就挡掉。
func (s *Service) BallotOptions(ctx context.Context, voterID string) ([]model.Candidate, error) {
	var cands []model.Candidate
	err := s.db.WithContext(ctx).
		Where("is_approved = ? AND user_id <> ?", true, voterID).
		Order("position ASC, name ASC").
		Find(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("list ballot options: %w", err)
	}
	return cands, nil
}

// Candidacies 返回某用户的全部参选记录。
func (s *Service) Candidacies(ctx context.Context, userID string) ([]model.Candidate, error) {
	var cands []model.Candidate
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("list candidacies: %w", err)
	}
	return cands, nil
}

// ResultLine 是候选人本人视角的单条得票结果。
type ResultLine struct {
	CandidateID uint   `json:"candidate_id"`
	Position    string `json:"position"`
	Approved    bool   `json:"approved"`
	Votes       int64  `json:"votes"`
}

// MyResult 统计某用户每条候选记录的当前得票。
func (s *Service) MyResult(ctx context.Context, userID string) ([]ResultLine, error) {
	var lines []ResultLine
	err := s.db.WithContext(ctx).Model(&model.Candidate{}).
		Select("candidates.id AS candidate_id, candidates.position AS position, candidates.is_approved AS approved, COUNT(votes.id) AS votes").
		Joins("LEFT JOIN votes ON votes.candidate_id = candidates.id").
		Where("candidates.user_id = ?", userID).
		Group("candidates.id").
		Order("candidates.position ASC").
		Scan(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("tally own votes: %w", err)
	}
	return lines, nil
}
