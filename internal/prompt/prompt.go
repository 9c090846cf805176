package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"LeanChat/internal/history"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SystemPrompt 将模板中的 {name} 占位符替换为 vars 中的值，
// 未提供的占位符原样保留。
func SystemPrompt(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		if value, ok := vars[match[1:len(match)-1]]; ok {
			return value
		}
		return match
	})
}

// Example 是一组输入输出示例，Output 为空时表示留给模型补全。
type Example struct {
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`
}

// FewShot 描述一段少样本提示：一句指令加若干示例。
type FewShot struct {
	Instruction string    `yaml:"instruction" json:"instruction"`
	Examples    []Example `yaml:"examples" json:"examples"`
}

// Render 生成适合放入 system 消息的文本。
func (f FewShot) Render() string {
	var builder strings.Builder
	if instruction := strings.TrimSpace(f.Instruction); instruction != "" {
		builder.WriteString(instruction)
		builder.WriteString("\n\n")
	}
	for _, example := range f.Examples {
		builder.WriteString(fmt.Sprintf("Input: %s\nOutput: %s\n\n", example.Input, example.Output))
	}
	return builder.String()
}

// Turns 将示例展开为 user/assistant 消息对；Output 为空的示例被跳过。
func (f FewShot) Turns() []history.Turn {
	turns := make([]history.Turn, 0, len(f.Examples)*2)
	for _, example := range f.Examples {
		if example.Output == "" {
			continue
		}
		turns = append(turns,
			history.User(Query(example.Input)),
			history.Assistant(example.Output),
		)
	}
	return turns
}

// Query 生成与示例格式一致的提问文本。
func Query(input string) string {
	return fmt.Sprintf("Input: %s\nOutput:", input)
}

// LoadExamples 从 YAML（或 JSON）文件加载少样本配置。
// 文件既可以是完整的 FewShot 对象，也可以只是示例数组。
func LoadExamples(path string) (*FewShot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("示例文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析示例文件路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取示例文件失败: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("解析示例文件失败: %w", err)
	}
	if len(node.Content) == 0 {
		return &FewShot{}, nil
	}

	var shot FewShot
	if node.Content[0].Kind == yaml.SequenceNode {
		err = node.Content[0].Decode(&shot.Examples)
	} else {
		err = node.Content[0].Decode(&shot)
	}
	if err != nil {
		return nil, fmt.Errorf("解析示例文件失败: %w", err)
	}
	return &shot, nil
}
