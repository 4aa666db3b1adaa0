package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/camuig/strategy-lab/internal/strategy"
)

const goodStrategy = `from backtesting import Strategy
from backtesting.lib import crossover

class SmaCross(Strategy):
    def init(self):
        self.fast = self.I(lambda x: x, self.data.Close)

    def next(self):
        if crossover(self.fast, self.data.Close):
            self.buy()
`

func TestValidateGoodStrategy(t *testing.T) {
	r := Validate(goodStrategy)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidateBlockedConstructs(t *testing.T) {
	tests := []struct {
		name, line, want string
	}{
		{"import os", "import os", "OS import detected (blocked)"},
		{"from os", "from os import path", "OS import detected (blocked)"},
		{"import sys", "import sys", "SYS import detected (blocked)"},
		{"socket", "import socket", "SOCKET import detected (blocked)"},
		{"subprocess", "import subprocess", "SUBPROCESS import detected (blocked)"},
		{"urllib", "import urllib", "URLLIB import detected (blocked)"},
		{"requests", "import requests", "REQUESTS import detected (blocked)"},
		{"http", "import http", "HTTP import detected (blocked)"},
		{"open", "x = open ('f')", "File operations detected (open() blocked)"},
		{"exec", "exec('1')", "exec() detected (blocked)"},
		{"eval", "eval('1')", "eval() detected (blocked)"},
		{"dunder import", "m = __import__", "__import__ detected (blocked)"},
		{"compile", "compile('1', 'f', 'exec')", "compile() detected (blocked)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := tt.line + "\n" + goodStrategy
			r := Validate(code)
			assert.False(t, r.Valid)
			assert.Contains(t, r.Errors, tt.want)

			err := Precheck(code)
			assert.ErrorIs(t, err, strategy.ErrValidation)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidateStructure(t *testing.T) {
	r := Validate("x = 1")
	assert.False(t, r.Valid)
	assert.Contains(t, r.Errors, "Strategy must define a next() method")
	assert.Contains(t, r.Errors, "Strategy code appears incomplete - no methods defined")
	assert.Contains(t, r.Warnings, "Strategy should define an init() method")
	assert.Contains(t, r.Warnings, "Strategy should import Strategy class: from backtesting import Strategy")

	empty := Validate("  ")
	assert.Equal(t, []string{"Strategy code is empty"}, empty.Errors)
}

func TestPrecheckAllowsStructuralIssues(t *testing.T) {
	assert.NoError(t, Precheck("x = 1"))
	assert.NoError(t, Precheck(goodStrategy))
}

func TestSecurity(t *testing.T) {
	info := Security()
	assert.Contains(t, info.BlockedImports, "subprocess")
	assert.Contains(t, info.AllowedImports, "pandas")
	assert.Contains(t, info.BlockedFunctions, "eval()")
}
