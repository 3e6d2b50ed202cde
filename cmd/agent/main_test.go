package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
)

func TestSanitizeTask(t *testing.T) {
	assert.Equal(t, "open\tthe menu", sanitizeTask("open\x00\x07\tthe menu"))
	long := strings.Repeat("a", maxTaskLength+10)
	assert.Len(t, sanitizeTask(long), maxTaskLength)

	// "я" is two bytes, so an odd prefix forces the cut inside a rune.
	cyrillic := "a" + strings.Repeat("я", maxTaskLength)
	got := sanitizeTask(cyrillic)
	assert.True(t, utf8.ValidString(got))
	assert.NotContains(t, got, string(utf8.RuneError))
	assert.Len(t, got, maxTaskLength-1)

	assert.Equal(t, "ab", sanitizeTask("a\xffb"))
	assert.Equal(t, "при...", truncate("привет", 7))
}

func TestPromptTask(t *testing.T) {
	var out bytes.Buffer
	goal, err := promptTask(strings.NewReader("  open calculator \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "open calculator", goal)
	assert.Contains(t, out.String(), "Введите задачу")

	goal, err = promptTask(strings.NewReader("no newline at eof"), &out)
	require.NoError(t, err)
	assert.Equal(t, "no newline at eof", goal)

	_, err = promptTask(strings.NewReader("\n"), &out)
	require.ErrorIs(t, err, errPromptCancelled)

	_, err = promptTask(strings.NewReader(""), &out)
	require.Error(t, err)
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, events.Event{Kind: events.KindStep, Type: "action", Message: "click: OK button"})
	printEvent(&out, events.Event{Kind: events.KindLog, LogType: "warning", Title: "targeting", Content: strings.Repeat("x", 400)})
	printEvent(&out, events.Event{Kind: events.KindResult, Type: "completed", Message: "done"})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[action] click: OK button", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "..."))
	assert.Equal(t, "=== completed: done", lines[2])
}

func TestConfigCommandAppliesFlags(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret")
	t.Setenv("AGENT_HEADLESS", "")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--backend", "browser", "--url", "https://example.com", "--headless", "--log-level", "error", "config"})
	require.NoError(t, root.Execute())

	var cfg struct {
		LLM struct {
			APIKey string
		}
		Automation struct {
			Backend string
		}
		Browser struct {
			Headless bool
			StartURL string
		}
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, "***", cfg.LLM.APIKey)
	assert.Equal(t, "browser", cfg.Automation.Backend)
	assert.Equal(t, "https://example.com", cfg.Browser.StartURL)
	assert.True(t, cfg.Browser.Headless)
}

func TestInvalidBackendFailsEarly(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--backend", "vnc", "config"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation.backend")
}
