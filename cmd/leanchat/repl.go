package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"LeanChat/internal/conversation"
	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
)

const helpText = `commands:
  /history  show the turns that will be sent with the next message
  /clear    drop all user/assistant turns, keep the system prompt
  /reset    restore the conversation to its starting state
  /quit     exit
`

type repl struct {
	conv *conversation.Conversation
	seed []history.Turn
	in   *bufio.Scanner
	out  io.Writer
}

func newREPL(conv *conversation.Conversation, seed []history.Turn, in io.Reader, out io.Writer) *repl {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &repl{conv: conv, seed: seed, in: scanner, out: out}
}

// Run 逐行读取输入直到 /quit、EOF 或 ctx 结束。
func (r *repl) Run(ctx context.Context) error {
	fmt.Fprint(r.out, helpText)
	for {
		fmt.Fprint(r.out, "you> ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		reply, err := r.conv.Chat(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error [%s]: %v\n", xerrors.CodeOf(err), err)
			continue
		}
		fmt.Fprintf(r.out, "assistant> %s\n", reply.Content)
		fmt.Fprintf(r.out, "(%.2fs, %d prompt + %d completion tokens)\n",
			reply.Elapsed.Seconds(), reply.PromptTokens, reply.CompletionTokens)
	}
}

func (r *repl) command(line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/history":
		turns := r.conv.History()
		if len(turns) == 0 {
			fmt.Fprintln(r.out, "(empty)")
		}
		for idx, turn := range turns {
			fmt.Fprintf(r.out, "%2d %-9s %s\n", idx, turn.Role, turn.Content)
		}
	case "/clear":
		r.conv.Reset(true)
		fmt.Fprintln(r.out, "history cleared")
	case "/reset":
		if err := r.conv.Buffer().Restore(r.seed); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			break
		}
		fmt.Fprintln(r.out, "conversation reset")
	default:
		fmt.Fprint(r.out, helpText)
	}
	return false
}
