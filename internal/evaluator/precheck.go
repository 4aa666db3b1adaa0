package evaluator

import (
	"regexp"
	"strings"

	"github.com/camuig/strategy-lab/internal/strategy"
)

type rule struct {
	pattern *regexp.Regexp
	message string
}

var blockedImports = []rule{
	{regexp.MustCompile(`import\s+os\b`), "OS import detected (blocked)"},
	{regexp.MustCompile(`import\s+sys\b`), "SYS import detected (blocked)"},
	{regexp.MustCompile(`import\s+socket\b`), "SOCKET import detected (blocked)"},
	{regexp.MustCompile(`import\s+subprocess\b`), "SUBPROCESS import detected (blocked)"},
	{regexp.MustCompile(`import\s+urllib\b`), "URLLIB import detected (blocked)"},
	{regexp.MustCompile(`import\s+requests\b`), "REQUESTS import detected (blocked)"},
	{regexp.MustCompile(`import\s+http\b`), "HTTP import detected (blocked)"},
	{regexp.MustCompile(`from\s+os\b`), "OS import detected (blocked)"},
	{regexp.MustCompile(`from\s+sys\b`), "SYS import detected (blocked)"},
}

var blockedCalls = []rule{
	{regexp.MustCompile(`open\s*\(`), "File operations detected (open() blocked)"},
	{regexp.MustCompile(`exec\s*\(`), "exec() detected (blocked)"},
	{regexp.MustCompile(`eval\s*\(`), "eval() detected (blocked)"},
	{regexp.MustCompile(`__import__`), "__import__ detected (blocked)"},
	{regexp.MustCompile(`compile\s*\(`), "compile() detected (blocked)"},
}

var (
	strategyClass  = regexp.MustCompile(`class\s+\w+\s*\(\s*Strategy\s*\)`)
	initMethod     = regexp.MustCompile(`def\s+init\s*\(`)
	nextMethod     = regexp.MustCompile(`def\s+next\s*\(`)
	strategyImport = regexp.MustCompile(`from\s+backtesting\s+import\s+Strategy`)
)

// Report is the outcome of a static check of strategy code.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate runs every static check: blocked constructs, the Strategy class
// and its methods. It never executes the code.
func Validate(code string) Report {
	r := Report{Errors: []string{}, Warnings: []string{}}
	if strings.TrimSpace(code) == "" {
		r.Errors = append(r.Errors, "Strategy code is empty")
		return r
	}

	r.Errors = append(r.Errors, blockedConstructs(code)...)

	if !strategyClass.MatchString(code) {
		r.Errors = append(r.Errors, "Strategy code must define a class that inherits from Strategy.\nExample: class MyStrategy(Strategy):")
	}
	if !initMethod.MatchString(code) {
		r.Warnings = append(r.Warnings, "Strategy should define an init() method")
	}
	if !nextMethod.MatchString(code) {
		r.Errors = append(r.Errors, "Strategy must define a next() method")
	}
	if !strings.Contains(code, "def ") {
		r.Errors = append(r.Errors, "Strategy code appears incomplete - no methods defined")
	}
	if !strategyImport.MatchString(code) {
		r.Warnings = append(r.Warnings, "Strategy should import Strategy class: from backtesting import Strategy")
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// Precheck rejects code that uses a blocked import or call before any
// engine process is spawned. The error wraps strategy.ErrValidation.
func Precheck(code string) error {
	found := blockedConstructs(code)
	if len(found) == 0 {
		return nil
	}
	return &EvaluationError{
		Message: "strategy rejected: " + strings.Join(found, "; "),
		Err:     strategy.ErrValidation,
	}
}

func blockedConstructs(code string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, rules := range [][]rule{blockedImports, blockedCalls} {
		for _, r := range rules {
			if r.pattern.MatchString(code) && !seen[r.message] {
				seen[r.message] = true
				found = append(found, r.message)
			}
		}
	}
	return found
}

type SecurityInfo struct {
	AllowedImports   []string `json:"allowed_imports"`
	BlockedImports   []string `json:"blocked_imports"`
	BlockedFunctions []string `json:"blocked_functions"`
	Sandbox          string   `json:"sandbox"`
}

func Security() SecurityInfo {
	return SecurityInfo{
		AllowedImports:   []string{"backtesting", "backtesting.lib", "numpy", "np", "pandas", "pd", "talib"},
		BlockedImports:   []string{"os", "sys", "socket", "subprocess", "urllib", "requests", "http"},
		BlockedFunctions: []string{"open()", "exec()", "eval()", "__import__", "compile()"},
		Sandbox:          "RestrictedPython in an isolated engine process",
	}
}
