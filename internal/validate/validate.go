package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NACOS 成员系别代码与全称。
var departmentNames = map[string]string{
	"cg": "Computer Science",
	"ch": "Computer Engineering",
}

// 学号全格式: 2 位年份 + 系别代码 + 6 位序号。
var matricPattern = regexp.MustCompile(`^(\d{2})(cg|ch)(\d{6})$`)

// 学校邮箱本地部分的两种惯用格式（后者对应学号序号）。
var (
	emailDomain       = "@stu.cu.edu.ng"
	emailNamePattern  = regexp.MustCompile(`^[a-z]+\.[a-z]+$`)
	emailSerialFormat = regexp.MustCompile(`^[a-z][a-z]+\.\d{6}$`)
)

// Positions 可竞选职位的封闭集合。
var Positions = []string{
	"President",
	"Vice President",
	"General Secretary",
	"Assistant General Secretary",
	"Financial Secretary",
	"Treasurer",
	"Public Relations Officer (PRO)",
	"Director of Socials",
	"Director of Sports",
	"Director of Programs",
	"Welfare Director",
	"Technical/IT Director",
	"Auditor",
	"Legal Adviser",
}

// 仅限 300 级及以上竞选的职位。
var restrictedPositions = map[string]bool{
	"President":      true,
	"Vice President": true,
}

// MatricResult 学号校验的结构化结果。
type MatricResult struct {
	Valid          bool   // 格式完全正确
	IsMember       bool   // 学号包含 NACOS 系别代码
	Year           string // 入学年份（四位）
	Department     string // 系别代码大写（CG / CH）
	DepartmentName string // 系别全称
	Serial         string // 6 位序号
	Matric         string // 规范化后的学号
	Reason         string // 失败原因: NOT_A_MEMBER / BAD_FORMAT
}

// ValidateMatric 校验学号是否属于 NACOS 成员系别。
//
// 先判成员资格（是否带 cg/ch 标记），再判完整格式，
// 两步分开是为了给出不同的用户提示。
func ValidateMatric(raw string) MatricResult {
	clean := strings.ToLower(strings.TrimSpace(raw))

	member := strings.Contains(clean, "cg") || strings.Contains(clean, "ch")
	if !member {
		return MatricResult{Reason: "NOT_A_MEMBER"}
	}

	m := matricPattern.FindStringSubmatch(clean)
	if m == nil {
		return MatricResult{IsMember: true, Reason: "BAD_FORMAT"}
	}

	dept := m[2]
	return MatricResult{
		Valid:          true,
		IsMember:       true,
		Year:           "20" + m[1],
		Department:     strings.ToUpper(dept),
		DepartmentName: departmentNames[dept],
		Serial:         m[3],
		Matric:         clean,
	}
}

// ValidEmail 校验学校邮箱格式。
func ValidEmail(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasSuffix(lower, emailDomain) {
		return false
	}
	local := strings.TrimSuffix(lower, emailDomain)
	return emailNamePattern.MatchString(local) || emailSerialFormat.MatchString(local)
}

// ValidLevel 校验选民年级（100-400）。
func ValidLevel(raw string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	return err == nil && n >= 100 && n <= 400
}

// ValidCandidateLevel 校验候选人年级（仅 200-400 可参选）。
func ValidCandidateLevel(level int) bool {
	return level >= 200 && level <= 400
}

// PositionAllowedForLevel 职位与年级的搭配是否允许。
//
// 会长与副会长要求 300 级及以上，其余职位在候选年级范围内不限。
func PositionAllowedForLevel(position string, level int) bool {
	return !restrictedPositions[position] || level >= 300
}

// ValidManifesto 竞选宣言长度校验（≤500 字符）。
func ValidManifesto(text string) bool {
	return len([]rune(text)) <= 500
}

// Eligibility 参选资格综合判定结果。
type Eligibility struct {
	CanApply   bool
	Reason     string // 不可参选时的用户可读原因
	Department string // 可参选时的系别全称
}

// CanApplyForPosition 综合判定某学号/年级能否竞选某职位。
//
// 依次检查 NACOS 成员资格、候选年级、职位年级限制，首个失败即返回。
func CanApplyForPosition(matric string, position string, level int) Eligibility {
	m := ValidateMatric(matric)
	if !m.Valid || !m.IsMember {
		reason := "Only students from Computer Science (CG) and Computer Engineering (CH) departments can apply."
		if m.Reason == "BAD_FORMAT" {
			reason = "Invalid matric number format. Expected format: YYcgNNNNNN or YYchNNNNNN."
		}
		return Eligibility{Reason: reason}
	}
	if !ValidCandidateLevel(level) {
		return Eligibility{Reason: "Only students in levels 200-400 can apply as candidates."}
	}
	if !PositionAllowedForLevel(position, level) {
		return Eligibility{Reason: fmt.Sprintf("Level %d students cannot apply for the %s position.", level, position)}
	}
	return Eligibility{CanApply: true, Department: m.DepartmentName}
}

// KnownPosition 职位是否属于封闭集合。
func KnownPosition(position string) bool {
	for _, p := range Positions {
		if p == position {
			return true
		}
	}
	return false
}

// EligiblePositions 返回某年级可竞选的全部职位。
func EligiblePositions(level int) []string {
	var out []string
	for _, p := range Positions {
		if PositionAllowedForLevel(p, level) {
			out = append(out, p)
		}
	}
	return out
}
