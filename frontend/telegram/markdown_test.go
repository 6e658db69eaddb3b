package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMarkdownBold(t *testing.T) {
	result := MarkdownToHTML("a **critical** alert")
	if !strings.Contains(result, "<b>critical</b>") {
		t.Errorf("expected <b>critical</b>, got: %s", result)
	}
}

func TestMarkdownItalic(t *testing.T) {
	result := MarkdownToHTML("an *elevated* level")
	if !strings.Contains(result, "<i>elevated</i>") {
		t.Errorf("expected <i>elevated</i>, got: %s", result)
	}
}

func TestMarkdownCode(t *testing.T) {
	result := MarkdownToHTML("run `ossec-control status` first")
	if !strings.Contains(result, "<code>ossec-control status</code>") {
		t.Errorf("expected code span, got: %s", result)
	}
}

func TestMarkdownCodeBlock(t *testing.T) {
	result := MarkdownToHTML("```json\n{\"rule\":5710}\n```")
	if !strings.Contains(result, "<pre>") || !strings.Contains(result, "</pre>") {
		t.Errorf("expected <pre> block, got: %s", result)
	}
	if !strings.Contains(result, "language-json") {
		t.Errorf("expected language-json, got: %s", result)
	}
	if !strings.Contains(result, `{&quot;rule&quot;:5710}`) && !strings.Contains(result, `{"rule":5710}`) {
		t.Errorf("expected code body, got: %s", result)
	}
}

func TestMarkdownHeader(t *testing.T) {
	result := MarkdownToHTML("### Recent Events")
	if !strings.Contains(result, "<b>Recent Events</b>") {
		t.Errorf("expected <b>Recent Events</b>, got: %s", result)
	}
}

func TestMarkdownHTMLEscape(t *testing.T) {
	result := MarkdownToHTML("level > 7 & level < 12")
	for _, want := range []string{"&gt;", "&amp;", "&lt;"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %s, got: %s", want, result)
		}
	}
}

func TestMarkdownLink(t *testing.T) {
	result := MarkdownToHTML("[rule docs](https://example.com/rules)")
	if !strings.Contains(result, `<a href="https://example.com/rules">rule docs</a>`) {
		t.Errorf("expected link HTML, got: %s", result)
	}
}

func TestMarkdownBlockquote(t *testing.T) {
	result := MarkdownToHTML("> decoded field")
	if !strings.Contains(result, "<blockquote>") || !strings.Contains(result, "</blockquote>") {
		t.Errorf("expected blockquote, got: %s", result)
	}
}

func TestMarkdownList(t *testing.T) {
	result := MarkdownToHTML("- sshd\n- auditd\n- syscheck")
	for _, want := range []string{"• sshd", "• auditd", "• syscheck"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q, got: %s", want, result)
		}
	}
}

func TestMarkdownOrderedList(t *testing.T) {
	result := MarkdownToHTML("1. triage\n2. contain\n3. report")
	for _, want := range []string{"1. triage", "2. contain", "3. report"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q, got: %s", want, result)
		}
	}
}

func TestMarkdownStrikethrough(t *testing.T) {
	result := MarkdownToHTML("~~false positive~~ confirmed")
	if !strings.Contains(result, "<s>false positive</s>") {
		t.Errorf("expected <s>false positive</s>, got: %s", result)
	}
}

func TestMarkdownCodeBlockNoLang(t *testing.T) {
	result := MarkdownToHTML("```\nraw log line\n```")
	if !strings.Contains(result, "<pre><code>") || !strings.Contains(result, "raw log line") {
		t.Errorf("expected plain code block, got: %s", result)
	}
}

func TestSplitMessage(t *testing.T) {
	chunks := splitMessage("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("expected single chunk, got: %v", chunks)
	}

	long := strings.Repeat("a", 5000)
	chunks = splitMessage(long)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got: %d", len(chunks))
	}
	if len(chunks[0]) != 4096 {
		t.Errorf("first chunk should be 4096, got: %d", len(chunks[0]))
	}

	msg := strings.Repeat("x", 4000) + "\n" + strings.Repeat("y", 200)
	chunks = splitMessage(msg)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for %d chars, got: %d", len(msg), len(chunks))
	}
	if len(chunks[0]) != 4001 {
		t.Errorf("first chunk should split at newline (4001 chars), got: %d", len(chunks[0]))
	}
	if chunks[0]+chunks[1] != msg {
		t.Error("chunks do not reassemble to the original message")
	}
}

func TestSplitMessageMultibyteRunes(t *testing.T) {
	// 3-byte runes with no newlines: a byte-offset cut would land mid-rune
	long := strings.Repeat("安", 5000)
	chunks := splitMessage(long)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got: %d", len(chunks))
	}
	var total string
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(c); n > maxMessageLength {
			t.Errorf("chunk %d is %d runes", i, n)
		}
		total += c
	}
	if total != long {
		t.Error("chunks do not reassemble to the original message")
	}
}
