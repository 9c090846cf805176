package history

import (
	"fmt"

	xerrors "LeanChat/internal/errors"
)

// Buffer 保存一段有界的对话历史：可选的 system 消息固定在首位，
// 其后是按时间顺序排列的 user/assistant 消息。
//
// Buffer 不做任何加锁，同一时刻只能由一个调用方修改；
// 需要跨协程共享时由持有方在外部串行化（见 session.Manager）。
type Buffer struct {
	system     *Turn
	turns      []Turn
	maxHistory int
}

// New 创建对话缓冲区。system 非空时作为永久的首条消息，不计入 maxHistory；
// maxHistory 为负数时返回 CodeConfiguration 错误。
func New(system string, maxHistory int) (*Buffer, error) {
	if maxHistory < 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("max_history 不能为负数: %d", maxHistory))
	}
	b := &Buffer{maxHistory: maxHistory}
	if system != "" {
		head := System(system)
		b.system = &head
	}
	return b, nil
}

// AppendUser 追加一条 user 消息并立即裁剪。
func (b *Buffer) AppendUser(text string) {
	b.append(User(text))
}

// AppendAssistant 追加一条 assistant 消息并立即裁剪。
func (b *Buffer) AppendAssistant(text string) {
	b.append(Assistant(text))
}

func (b *Buffer) append(turn Turn) {
	b.turns = append(b.turns, turn)
	b.Trim()
}

// Trim 按先进先出丢弃最旧的非 system 消息，直到数量不超过 maxHistory。
// 不区分角色，也从不移除 system 消息；连续调用是幂等的。
func (b *Buffer) Trim() {
	overflow := len(b.turns) - b.maxHistory
	if overflow <= 0 {
		return
	}
	kept := make([]Turn, b.maxHistory)
	copy(kept, b.turns[overflow:])
	b.turns = kept
}

// Snapshot 返回当前对话的独立副本，修改返回值不会影响缓冲区。
func (b *Buffer) Snapshot() []Turn {
	out := make([]Turn, 0, len(b.turns)+1)
	if b.system != nil {
		out = append(out, *b.system)
	}
	return append(out, b.turns...)
}

// Clear 移除全部非 system 消息；keepSystem 为 false 时一并移除 system 消息。
func (b *Buffer) Clear(keepSystem bool) {
	b.turns = nil
	if !keepSystem {
		b.system = nil
	}
}

// Restore 用持久化的记录替换当前内容。system 消息只允许出现在首位，
// 其余位置出现 system 或未知角色时返回 CodeInvalidArgument，缓冲区保持不变。
// 内容为空的 system 消息会被忽略。
func (b *Buffer) Restore(turns []Turn) error {
	var system *Turn
	rest := make([]Turn, 0, len(turns))
	for idx, turn := range turns {
		if !turn.Role.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条消息角色无效: %q", idx, turn.Role))
		}
		if turn.Role == RoleSystem {
			if idx != 0 {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("system 消息只能位于首位，实际位于第 %d 条", idx))
			}
			// 与 New 一致，空的 system 消息视为不存在。
			if turn.Content != "" {
				head := turn
				system = &head
			}
			continue
		}
		rest = append(rest, turn)
	}
	b.system = system
	b.turns = rest
	b.Trim()
	return nil
}

// Len 返回非 system 消息的数量。
func (b *Buffer) Len() int { return len(b.turns) }

// MaxHistory 返回构造时设定的上限。
func (b *Buffer) MaxHistory() int { return b.maxHistory }

// System 返回 system 消息（如有）。
func (b *Buffer) System() (Turn, bool) {
	if b.system == nil {
		return Turn{}, false
	}
	return *b.system, true
}
