package expr

import (
	"strings"
	"testing"
)

func TestEval_Comparisons(t *testing.T) {
	vars := map[string]any{
		"type":     "file.modified",
		"priority": "normal",
		"attempt":  2,
		"payload": map[string]any{
			"file_path": "pkg/hookflow/queue/queue_test.go",
			"tool":      "Edit",
			"size":      2048,
		},
		"context": map[string]any{
			"producer": "claude",
			"labels":   map[string]string{"team": "infra"},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "type == 'file.modified'", true},
		{"double quoted", `type == "file.created"`, false},
		{"not equal", "priority != 'critical'", true},
		{"numeric gt", "attempt > 1", true},
		{"numeric lte", "attempt <= 1", false},
		{"numeric gte nested", "payload.size >= 2048", true},
		{"numeric lt nested", "payload.size < 1000", false},
		{"contains", "payload.file_path contains 'queue'", true},
		{"startswith", "payload.file_path startswith 'pkg/'", true},
		{"endswith", "payload.file_path endswith '.py'", false},
		{"matches doublestar", "payload.file_path matches '**/*_test.go'", true},
		{"matches zero dirs", "payload.file_path matches 'pkg/**/queue_test.go'", true},
		{"matches single star stays in dir", "payload.file_path matches 'pkg/*_test.go'", false},
		{"matches base name", "payload.file_path matches '*_test.go'", true},
		{"in list", "payload.tool in 'Edit,Write,MultiEdit'", true},
		{"in list miss", "payload.tool in 'Read, Grep'", false},
		{"string map path", "context.labels.team == 'infra'", true},
		{"missing path is literal", "payload.missing == 'payload.missing'", true},
		{"and", "type == 'file.modified' and attempt == 2", true},
		{"and short circuit", "type == 'x' and attempt == 2", false},
		{"or", "type == 'x' or context.producer == 'claude'", true},
		{"not", "not type == 'x'", true},
		{"bang", "!context.producer", false},
		{"truthy variable", "payload.tool", true},
		{"empty expression", "", false},
		{"quoted operator text", "payload.tool != 'a and b'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.expr, vars)
			if err != nil {
				t.Fatalf("Eval(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluator_All(t *testing.T) {
	e := New()
	vars := map[string]any{"type": "file.created", "payload": map[string]any{"file_path": "main.go"}}

	ok, err := e.All(nil, vars)
	if err != nil || !ok {
		t.Fatalf("empty condition list should hold, got %v, %v", ok, err)
	}

	ok, err = e.All([]string{"type startswith 'file.'", "payload.file_path matches '*.go'"}, vars)
	if err != nil || !ok {
		t.Fatalf("All() = %v, %v, want true", ok, err)
	}

	ok, err = e.All([]string{"type startswith 'file.'", "payload.file_path matches '*.py'"}, vars)
	if err != nil || ok {
		t.Fatalf("All() = %v, %v, want false", ok, err)
	}

	_, err = e.All([]string{"type == "}, vars)
	if err == nil || !strings.Contains(err.Error(), "needs two operands") {
		t.Fatalf("All() error = %v, want operand error", err)
	}
}

func TestEvaluator_CustomOperator(t *testing.T) {
	e := New(WithCustomOperator("longer", func(l, r any) bool {
		return len(l.(string)) > int(ToFloat64(r))
	}))
	got, err := e.Evaluate("name longer 3", map[string]any{"name": "hookflow"})
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected custom operator to match")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"type == 'a'", false},
		{"payload.tool in 'a,b'", false},
		{"", true},
		{"type == 'a", true},
		{"== 'a'", true},
		{"type >= ", true},
	}
	for _, tt := range tests {
		err := Validate(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", true},
		{"src/*.go", "src/a/b.go", false},
		{"src/**", "src/a/b.go", true},
		{"**/*.md", "README.md", true},
		{"docs/**/*.md", "docs/guide/intro.md", true},
		{"docs/**/*.md", "src/intro.md", false},
		{"file?.txt", "file1.txt", true},
		{"**/*.go", `pkg\win\path.go`, true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestEval_DocumentedTriggerConditions(t *testing.T) {
	vars := map[string]any{
		"payload": map[string]any{"file_path": "pkg/hookflow/dlq/queue_test.go"},
		"context": map[string]any{"producer": "hook"},
	}
	for _, cond := range []string{
		"payload.file_path matches '**/*_test.go'",
		"context.producer != 'test-runner'",
	} {
		ok, err := Eval(cond, vars)
		if err != nil || !ok {
			t.Errorf("Eval(%q) = %v, %v", cond, ok, err)
		}
	}
}

func TestCompare_UnknownOperator(t *testing.T) {
	if _, err := Compare(1, 2, "~="); err == nil {
		t.Error("expected error for unknown operator")
	}
	ok, err := Compare(3, 2, ">")
	if err != nil || !ok {
		t.Errorf("Compare(3, 2, >) = %v, %v", ok, err)
	}
}
