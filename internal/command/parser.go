// Package command turns free-form utterances into structured messaging
// commands and executes them against the WhatsApp bridge.
//
// Parsing is a layered keyword/regex cascade. The rule order is the contract:
// later rules are deliberately narrower fallbacks, and reordering them changes
// classification outcomes. The parser never fails — anything it cannot
// classify comes back as nil (not a command) or with empty fields.
package command

import (
	"regexp"
	"strings"

	"companion/internal/domain"
)

// Domain triggers, checked in fixed order. First match wins, so an utterance
// matching several domains resolves to the earliest checked.
var (
	messagingTriggers = []string{"whatsapp", "message", "text", "chat", "send", "reply"}
	emailTriggers     = []string{"email", "mail"}
	calendarTriggers  = []string{"calendar", "event", "meeting"}
)

// Parse classifies an utterance. Returns nil when no domain trigger matches,
// letting the caller fall through to general conversation.
func Parse(utterance string) *domain.ParsedCommand {
	lower := strings.ToLower(utterance)

	switch {
	case containsAny(lower, messagingTriggers):
		return parseMessaging(utterance, lower)
	case containsAny(lower, emailTriggers):
		return &domain.ParsedCommand{Domain: domain.DomainEmail, Action: domain.ActionUnknown}
	case containsAny(lower, calendarTriggers):
		return &domain.ParsedCommand{Domain: domain.DomainCalendar, Action: domain.ActionUnknown}
	}
	return nil
}

var (
	checkRe      = regexp.MustCompile(`\b(?:check|any|new|unread)\b`)
	readPhraseRe = regexp.MustCompile(`\b(?:show|get)\b.*\bmessages?\b|\bmessages?\s+from\b`)
)

// parseMessaging runs the action cascade: check, send, reply, read.
// Read only classifies when a contact name is extractable — otherwise the
// utterance stays unknown rather than being misfiled.
func parseMessaging(utterance, lower string) *domain.ParsedCommand {
	cmd := &domain.ParsedCommand{Domain: domain.DomainMessaging, Action: domain.ActionUnknown}
	target := extractContact(utterance, lower)

	switch {
	case checkRe.MatchString(lower):
		cmd.Action = domain.ActionCheck
		cmd.Filters.UnreadOnly = true
		if target != "" {
			cmd.Filters.Contact = target
			cmd.Target = target
		}

	case strings.Contains(lower, "send") ||
		(strings.Contains(lower, "text") && !strings.Contains(lower, "read")) ||
		strings.Contains(lower, "message to"):
		cmd.Action = domain.ActionSend
		cmd.Target = target
		cmd.Message = extractSendBody(utterance, lower)

	case strings.Contains(lower, "reply") || strings.Contains(lower, "respond"):
		cmd.Action = domain.ActionReply
		cmd.Target = target
		cmd.Message = extractReplyBody(utterance)

	case target != "" &&
		((strings.Contains(lower, "read") && !strings.Contains(lower, "new")) ||
			readPhraseRe.MatchString(lower)):
		cmd.Action = domain.ActionRead
		cmd.Target = target
	}

	return cmd
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// --- contact extraction ---

// contactStoplist filters common words the preposition regexes over-capture.
var contactStoplist = map[string]bool{
	"a": true, "an": true, "the": true, "my": true, "me": true, "your": true,
	"him": true, "her": true, "them": true, "it": true, "that": true, "this": true,
	"message": true, "messages": true, "text": true, "texts": true, "msg": true,
	"chat": true, "chats": true, "whatsapp": true, "contact": true, "person": true,
	"friend": true, "new": true, "unread": true, "all": true, "everyone": true,
	"saying": true, "says": true,
}

var (
	contactPrepRe = regexp.MustCompile(`(?i)\b(?:from|to|with)\s+([A-Za-z]+)`)
	contactNounRe = regexp.MustCompile(`(?i)\b(?:contact|person|friend|buddy)\s+(?:named\s+|called\s+)?([A-Za-z]+)`)
)

// contactPhrases are scanned as plain substrings; the first alphabetic token
// after the phrase is the candidate if longer than 2 characters. A name made
// of non-letters (digits, emoji) will not be captured — known limitation.
var contactPhrases = []string{
	"message from", "messages from", "message to",
	"send to", "text to", "reply to", "respond to",
	"chat with", "talk to",
}

// extractContact tries, in order: preposition capture with stoplist filtering,
// then fixed-phrase substring search. Returns "" when no candidate survives.
func extractContact(utterance, lower string) string {
	for _, re := range []*regexp.Regexp{contactPrepRe, contactNounRe} {
		for _, m := range re.FindAllStringSubmatch(utterance, -1) {
			if !contactStoplist[strings.ToLower(m[1])] {
				return m[1]
			}
		}
	}

	for _, phrase := range contactPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		tok := firstAlphaToken(utterance[idx+len(phrase):])
		if len(tok) > 2 && !contactStoplist[strings.ToLower(tok)] {
			return tok
		}
	}
	return ""
}

// firstAlphaToken returns the first purely alphabetic whitespace-separated
// token in s, or "".
func firstAlphaToken(s string) string {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `.,!?'"`)
		if tok != "" && isAlpha(tok) {
			return tok
		}
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// --- message body extraction ---

var (
	sendMarkerRe   = regexp.MustCompile(`(?i)\b(?:saying|that says|message is|with)\s+(.+)$`)
	sendBodyToRe   = regexp.MustCompile(`(?i)\b(?:send|text)\s+(.+?)\s+to\s+[A-Za-z]+`)
	sendToBodyRe   = regexp.MustCompile(`(?i)\b(?:send|text)\s+to\s+[A-Za-z]+\s+(.+)$`)
	trailingWhoRe  = regexp.MustCompile(`(?i)\s+(?:to|from)\s+[A-Za-z]+\s*$`)
	onlyWhoRe      = regexp.MustCompile(`(?i)^(?:to|from)\s+[A-Za-z]+$`)
	fillerPhraseRe = regexp.MustCompile(`^(?:(?:a|an|the)\s+)?(?:message|text|msg)s?$`)
)

// bodyStopwords are skipped while scanning for the first content token in the
// last-resort extraction pass.
var bodyStopwords = map[string]bool{
	"send": true, "text": true, "message": true, "to": true, "with": true,
	"saying": true, "that": true, "a": true, "an": true, "the": true,
}

// bodyDelimiters end the token scan: whatever follows refers to the contact,
// not the body.
var bodyDelimiters = map[string]bool{
	"to": true, "from": true, "contact": true, "in": true, "whatsapp": true,
}

// extractSendBody extracts the text to send. Pure filler ("a message" with no
// further content) is treated as absent so the executor asks the user to
// restate instead of guessing. Returns "" when nothing usable is found.
func extractSendBody(utterance, lower string) string {
	if m := sendMarkerRe.FindStringSubmatch(utterance); m != nil {
		if body := cleanBody(trailingWhoRe.ReplaceAllString(m[1], "")); body != "" {
			return body
		}
	}
	if m := sendBodyToRe.FindStringSubmatch(utterance); m != nil {
		if body := cleanBody(m[1]); body != "" {
			return body
		}
	}
	if m := sendToBodyRe.FindStringSubmatch(utterance); m != nil {
		if body := cleanBody(m[1]); body != "" {
			return body
		}
	}
	return scanBody(utterance)
}

// scanBody is the token-scanning fallback: skip leading stopwords, collect
// content tokens, stop at the first contact-delimiting token.
func scanBody(utterance string) string {
	var body []string
	for _, tok := range strings.Fields(utterance) {
		lt := strings.ToLower(strings.Trim(tok, `.,!?'"`))
		if bodyDelimiters[lt] {
			break
		}
		if len(body) == 0 && bodyStopwords[lt] {
			continue
		}
		body = append(body, tok)
	}
	return cleanBody(strings.Join(body, " "))
}

var (
	replyMarkerRe = regexp.MustCompile(`(?i)\b(?:with|saying)\s+(.+)$`)
	replyBareRe   = regexp.MustCompile(`(?i)\b(?:reply|respond)\s+(?:to\s+[A-Za-z]+\s+)?(.+)$`)
)

// extractReplyBody extracts the reply text: explicit "with/saying <body>"
// first, then whatever follows the reply verb, with a trailing "to <name>"
// suffix stripped either way.
func extractReplyBody(utterance string) string {
	if m := replyMarkerRe.FindStringSubmatch(utterance); m != nil {
		return cleanBody(trailingWhoRe.ReplaceAllString(m[1], ""))
	}
	if m := replyBareRe.FindStringSubmatch(utterance); m != nil {
		body := trailingWhoRe.ReplaceAllString(m[1], "")
		if onlyWhoRe.MatchString(strings.TrimSpace(body)) {
			return ""
		}
		return cleanBody(body)
	}
	return ""
}

// cleanBody trims whitespace and surrounding quotes, and discards candidates
// that are themselves filler phrases.
func cleanBody(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	if fillerPhraseRe.MatchString(strings.ToLower(s)) {
		return ""
	}
	return s
}
