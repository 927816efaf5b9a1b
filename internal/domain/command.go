package domain

// CommandDomain classifies which assistant capability an utterance targets.
type CommandDomain string

const (
	DomainMessaging CommandDomain = "messaging"
	DomainEmail     CommandDomain = "email"    // recognized, not implemented
	DomainCalendar  CommandDomain = "calendar" // recognized, not implemented
	DomainGeneral   CommandDomain = "general"
)

// CommandAction is the operation requested within a domain.
type CommandAction string

const (
	ActionCheck   CommandAction = "check"
	ActionSend    CommandAction = "send"
	ActionReply   CommandAction = "reply"
	ActionRead    CommandAction = "read"
	ActionUnknown CommandAction = "unknown"
)

// ParsedCommand is the structured form of a free-text utterance. It is built
// fresh per utterance, immutable, and consumed once by the executor. Absent
// fields are empty strings, never errors.
type ParsedCommand struct {
	Domain  CommandDomain
	Action  CommandAction
	Target  string // contact display name, free text
	Message string // body to send/reply with; empty means "ask the user"
	Filters MessageFilter
}
