package router

import (
	"fmt"
	"strings"
)

// ParsedCommand is one tokenized command line: the command name (leading
// slash stripped, lowercased), positional arguments, and key=value arguments.
type ParsedCommand struct {
	Name string
	Args []string
	KV   map[string]string
}

// ErrUnbalancedQuotes is returned when a double quote is opened and never
// closed.
var ErrUnbalancedQuotes = fmt.Errorf("unbalanced quotes")

// normalizeCommandText rewrites platform spellings into the canonical
// `/cmd args` form: a leading bot mention (`@bot /cmd`) is dropped and a
// Telegram-style `/cmd@botname` suffix is stripped from the command word.
func normalizeCommandText(text, botName string) string {
	text = strings.TrimSpace(text)
	if botName != "" {
		mention := "@" + botName
		if rest, ok := strings.CutPrefix(text, mention); ok {
			text = strings.TrimSpace(rest)
		}
	}
	if !strings.HasPrefix(text, "/") {
		return text
	}
	word, rest, found := strings.Cut(text, " ")
	if at := strings.Index(word, "@"); at > 0 {
		word = word[:at]
	}
	if !found {
		return word
	}
	return word + " " + rest
}

// tokenize splits the text on whitespace, honoring double quotes only.
// Apostrophes are ordinary characters so natural-language contractions never
// break tokenization. Quotes may appear mid-token (`key="a b"` is one token).
func tokenize(text string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	hasToken := false
	for _, r := range text {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasToken = true
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if inQuotes {
		return nil, ErrUnbalancedQuotes
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

// parseCommand tokenizes normalized text into a ParsedCommand. It returns
// nil when the text is not a command (no leading slash).
func parseCommand(text, botName string) (*ParsedCommand, error) {
	text = normalizeCommandText(text, botName)
	if !strings.HasPrefix(text, "/") {
		return nil, nil
	}
	tokens, err := tokenize(strings.TrimPrefix(text, "/"))
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	cmd := &ParsedCommand{
		Name: strings.ToLower(tokens[0]),
		KV:   map[string]string{},
	}
	for _, token := range tokens[1:] {
		key, value, found := strings.Cut(token, "=")
		if found && key != "" {
			cmd.KV[key] = value
			continue
		}
		cmd.Args = append(cmd.Args, token)
	}
	return cmd, nil
}

// rawArgs returns everything after the command word in the normalized text,
// for handlers that want the untokenized tail (chat prompts).
func rawArgs(text, botName string) string {
	text = normalizeCommandText(text, botName)
	_, rest, found := strings.Cut(text, " ")
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}
