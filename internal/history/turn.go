package history

import (
	"fmt"
	"strings"

	xerrors "LeanChat/internal/errors"
)

// Role 是对话中一条消息的角色，只允许 system、user、assistant 三种取值。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole 将外部输入转换为 Role，未知角色返回 CodeInvalidArgument。
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的消息角色: %q", raw))
	}
}

// Valid 判断角色是否属于受支持的枚举值。
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// UnmarshalText 在解码 JSON/YAML 记录时校验角色，大小写与首尾空白不敏感。
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Turn 表示一条带角色的消息，Content 允许为空。
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// System 构造一条 system 消息。
func System(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

// User 构造一条 user 消息。
func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// Assistant 构造一条 assistant 消息。
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }
