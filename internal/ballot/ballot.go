package ballot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nacospoll/internal/model"
	"nacospoll/internal/pkg/metrics"

	"gorm.io/gorm"
)

var (
	ErrNotVerified      = errors.New("voter is not verified")
	ErrWindowNotSet     = errors.New("voting window is not configured")
	ErrWindowNotOpen    = errors.New("voting window has not opened")
	ErrWindowClosed     = errors.New("voting window has closed")
	ErrAlreadyVoted     = errors.New("voter has already cast a ballot")
	ErrUnknownCandidate = errors.New("candidate not on the ballot")
	ErrVoteNotFound     = errors.New("vote not found")
)

// Service 负责投票的全部门禁检查、加密与落库。
type Service struct {
	db         *gorm.DB
	keys       *KeyPair
	logger     *slog.Logger
	electionID string
}

func NewService(db *gorm.DB, keys *KeyPair, logger *slog.Logger, electionID string) *Service {
	return &Service{db: db, keys: keys, logger: logger, electionID: electionID}
}

// Cast 为 voterID 记一张投给 candidateID 的加密选票。
//
// 检查顺序: 选民已验证 → 窗口已配置且开放 → 候选人已批准 →
// 加密落库。一人一票由 votes.voter_id 唯一索引兜底，并发重复
// 提交只有一条能写入。成功时返回被投的候选人，供回执展示。
func (s *Service) Cast(ctx context.Context, voterID string, candidateID uint) (*model.Candidate, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", voterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !user.IsVerified) {
		metrics.VoteRejected.WithLabelValues("not_verified").Inc()
		return nil, ErrNotVerified
	}
	if err != nil {
		return nil, fmt.Errorf("load voter: %w", err)
	}

	if err := s.checkWindow(ctx, time.Now()); err != nil {
		return nil, err
	}

	var cand model.Candidate
	err = s.db.WithContext(ctx).
		Where("id = ? AND is_approved = ?", candidateID, true).
		First(&cand).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.VoteRejected.WithLabelValues("unknown_candidate").Inc()
		return nil, ErrUnknownCandidate
	}
	if err != nil {
		return nil, fmt.Errorf("load candidate: %w", err)
	}

	ciphertext, err := s.keys.Encrypt(Payload{
		VoterID:     voterID,
		CandidateID: candidateID,
		Timestamp:   time.Now().Unix(),
		ElectionID:  s.electionID,
	})
	if err != nil {
		metrics.VoteRejected.WithLabelValues("encrypt_failed").Inc()
		return nil, fmt.Errorf("encrypt ballot: %w", err)
	}

	vote := model.Vote{
		VoterID:     voterID,
		CandidateID: candidateID,
		Ciphertext:  ciphertext,
	}
	if err := s.db.WithContext(ctx).Create(&vote).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			metrics.VoteRejected.WithLabelValues("already_voted").Inc()
			return nil, ErrAlreadyVoted
		}
		return nil, fmt.Errorf("store ballot: %w", err)
	}

	metrics.VotesCast.Inc()
	s.logger.Info("ballot cast",
		slog.String("voter_id", voterID),
		slog.Uint64("candidate_id", uint64(candidateID)))
	return &cand, nil
}

// HasVoted 该选民是否已经投过票。
func (s *Service) HasVoted(ctx context.Context, voterID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Vote{}).
		Where("voter_id = ?", voterID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count votes: %w", err)
	}
	return count > 0, nil
}

func (s *Service) checkWindow(ctx context.Context, now time.Time) error {
	var period model.VotingPeriod
	err := s.db.WithContext(ctx).First(&period, "id = ?", model.VotingPeriodID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.VoteRejected.WithLabelValues("window_not_set").Inc()
		return ErrWindowNotSet
	}
	if err != nil {
		return fmt.Errorf("load voting period: %w", err)
	}
	if now.Before(period.StartAt) {
		metrics.VoteRejected.WithLabelValues("window_not_open").Inc()
		return ErrWindowNotOpen
	}
	if now.After(period.EndAt) {
		metrics.VoteRejected.WithLabelValues("window_closed").Inc()
		return ErrWindowClosed
	}
	return nil
}

// TallyEntry 是某个候选人的计票结果。
type TallyEntry struct {
	CandidateID uint   `json:"candidate_id"`
	Name        string `json:"name"`
	Position    string `json:"position"`
	Votes       int64  `json:"votes"`
}

// PositionResult 按职位聚合的计票结果，条目按票数降序。
type PositionResult struct {
	Position string       `json:"position"`
	Entries  []TallyEntry `json:"entries"`
}

// Tally 统计每个已批准候选人的得票并按职位分组。
//
// 只数 votes 表里的行，不解密；密文仅供审计。
func (s *Service) Tally(ctx context.Context) ([]PositionResult, error) {
	var entries []TallyEntry
	err := s.db.WithContext(ctx).Model(&model.Candidate{}).
		Select("candidates.id AS candidate_id, candidates.name AS name, candidates.position AS position, COUNT(votes.id) AS votes").
		Joins("LEFT JOIN votes ON votes.candidate_id = candidates.id").
		Where("candidates.is_approved = ?", true).
		Group("candidates.id").
		Order("candidates.position ASC, votes DESC, candidates.name ASC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}

	var results []PositionResult
	for _, e := range entries {
		if len(results) == 0 || results[len(results)-1].Position != e.Position {
			results = append(results, PositionResult{Position: e.Position})
		}
		last := &results[len(results)-1]
		last.Entries = append(last.Entries, e)
	}
	return results, nil
}

// AuditReport 汇总密文与明细行的一致性核对结果。
type AuditReport struct {
	Total         int    `json:"total"`
	Consistent    int    `json:"consistent"`
	Mismatched    []uint `json:"mismatched,omitempty"`
	Undecryptable []uint `json:"undecryptable,omitempty"`
}

// AuditVote 解密单张选票，供人工比对密文与明细。
func (s *Service) AuditVote(ctx context.Context, voteID uint) (*Payload, error) {
	var vote model.Vote
	err := s.db.WithContext(ctx).First(&vote, "id = ?", voteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vote %d: %w", voteID, ErrVoteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load vote: %w", err)
	}
	payload, err := s.keys.Decrypt(vote.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt vote %d: %w", voteID, err)
	}
	return &payload, nil
}

// Audit 用私钥逐票解密，核对密文内容与落库字段是否一致。
func (s *Service) Audit(ctx context.Context) (*AuditReport, error) {
	var votes []model.Vote
	if err := s.db.WithContext(ctx).Find(&votes).Error; err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}

	report := &AuditReport{Total: len(votes)}
	for _, v := range votes {
		payload, err := s.keys.Decrypt(v.Ciphertext)
		if err != nil {
			report.Undecryptable = append(report.Undecryptable, v.ID)
			continue
		}
		if payload.VoterID != v.VoterID || payload.CandidateID != v.CandidateID || payload.ElectionID != s.electionID {
			report.Mismatched = append(report.Mismatched, v.ID)
			continue
		}
		report.Consistent++
	}
	return report, nil
}
