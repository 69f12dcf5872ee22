package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"nacospoll/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Step 标记多轮对话当前等待的输入。
type Step string

const (
	StepName         Step = "awaiting_name"
	StepMatric       Step = "awaiting_matric"
	StepLevel        Step = "awaiting_level"
	StepEmail        Step = "awaiting_email"
	StepVoterOTP     Step = "awaiting_voter_otp"
	StepCandidateOTP Step = "awaiting_candidate_otp"
	StepUploadPhoto  Step = "upload_photo"
	StepManifesto    Step = "edit_manifesto"
	StepVoting       Step = "voting"
)

// BallotOption 是展示选票时快照下来的一个可选候选人。
type BallotOption struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Position string `json:"position"`
}

// State 是一个用户跨消息的注册/操作上下文。
//
// 注册链路逐步填充 Name/Matric/Level，全部校验通过后才写正式
// 用户记录；此前数据只存在这里。投票状态快照当时可见的候选人
// 列表，数字回复只对快照里的号码生效。
type State struct {
	Step        Step           `json:"step"`
	Name        string         `json:"name,omitempty"`
	Matric      string         `json:"matric,omitempty"`
	Level       int            `json:"level,omitempty"`
	Email       string         `json:"email,omitempty"`
	Position    string         `json:"position,omitempty"`
	CandidateID uint           `json:"candidate_id,omitempty"` // 照片/宣言编辑的目标
	Ballot      []BallotOption `json:"ballot,omitempty"`       // 投票状态的候选人快照
}

// Store 把对话状态整体序列化进 user_states 表，每用户一行。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get 读取用户状态，没有状态时返回 (nil, nil)。
func (s *Store) Get(ctx context.Context, userID string) (*State, error) {
	var row model.UserState
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(row.State), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// Set 整体覆盖用户状态。
func (s *Store) Set(ctx context.Context, userID string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	row := model.UserState{UserID: userID, State: string(raw)}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

// Clear 删除用户状态，对不存在的状态是空操作。
func (s *Store) Clear(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Delete(&model.UserState{}, "user_id = ?", userID).Error
	if err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}
