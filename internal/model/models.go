package model

import "time"

// User 表示一名注册选民。
//
// 注册向导启动时先写入占位行，随每一步完成就地更新，
// 只有验证码通过校验后 IsVerified 才会置位。
type User struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"` // 聊天平台的稳定用户标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Name       string `gorm:"not null"`                      // 全名
	Email      string `gorm:"type:varchar(191);uniqueIndex"` // 学校邮箱（唯一）
	MatricNo   string `gorm:"type:varchar(32);uniqueIndex"`  // 学号（唯一）
	Level      int    `gorm:"not null"`                      // 年级 100-400
	IsVerified bool   `gorm:"default:false"`                 // 邮箱是否已验证
	IsAdmin    bool   `gorm:"default:false"`                 // 管理员标记
}

// VerificationCode 是一次性邮箱验证码。
//
// 每个 (用户, 流程) 组合最多存在一条存活记录；发新码时整行覆盖。
type VerificationCode struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)"` // 用户标识
	Flow      string    `gorm:"primaryKey;type:varchar(16)"` // 流程: voter / candidate / admin
	Code      string    `gorm:"type:varchar(8);not null"`    // 6 位数字验证码
	ExpiresAt time.Time `gorm:"not null"`                    // 绝对过期时间
	IssuedAt  time.Time `gorm:"not null"`                    // 签发时间
}

// Candidate 表示一条 (用户, 职位) 候选申请。
//
// 申请创建时未批准；批准标记只会从 false 翻到 true，拒绝直接删行。
type Candidate struct {
	ID        uint      `gorm:"primaryKey"` // 候选人编号（选票上展示）
	CreatedAt time.Time // 申请时间

	UserID     string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_candidacy,priority:1"` // 申请人
	Name       string  `gorm:"not null"`                                                       // 申请时的姓名快照
	Position   string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_candidacy,priority:2"` // 竞选职位
	PhotoRef   *string // 竞选照片引用（平台侧文件标识）
	Manifesto  *string `gorm:"type:varchar(500)"` // 竞选宣言，≤500 字符
	IsApproved bool    `gorm:"default:false"`     // 管理员批准标记
}

// Vote 表示一张已投出的选票。
//
// VoterID 上的唯一索引在存储层保证一人一票；行一经写入不再改动。
type Vote struct {
	ID        uint      `gorm:"primaryKey"` // 选票编号
	CreatedAt time.Time // 投票时间

	VoterID     string `gorm:"type:varchar(64);not null;uniqueIndex"` // 投票人
	CandidateID uint   `gorm:"not null;index"`                        // 所投候选人
	Ciphertext  string `gorm:"type:text;not null"`                    // RSA 加密后的选票载荷（base64）
}

// VotingPeriod 是投票窗口单例行（id 固定为 1）。
type VotingPeriod struct {
	ID      uint      `gorm:"primaryKey"` // 恒为 1
	StartAt time.Time `gorm:"not null"`   // 窗口开始
	EndAt   time.Time `gorm:"not null"`   // 窗口结束
}

// VotingPeriodID 单例行的固定主键。
const VotingPeriodID = 1

// UserState 持久化用户的多步会话状态。
//
// State 是 flow 包序列化后的 JSON 文档；行存在即表示用户在流程中，
// 每次步进整体替换，流程结束删除。
type UserState struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)"` // 用户标识
	UpdatedAt time.Time // 最近步进时间

	State string `gorm:"type:text;not null"` // 序列化的会话状态
}

// All 返回需要自动迁移的全部实体。
func All() []any {
	return []any{&User{}, &VerificationCode{}, &Candidate{}, &Vote{}, &VotingPeriod{}, &UserState{}}
}
