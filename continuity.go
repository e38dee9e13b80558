package chainbridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
)

// Conversation holds the continuity state that lets the bridge send
// only the newest turn upstream: the backend chat identity (created
// once, reused for the conversation's lifetime) and the tail pointer,
// the backend's identity for the most recent message. An empty TailID
// means no prior turns, start fresh.
//
// All fields are guarded by the conversation's own lock. Exactly one
// turn may be in flight per conversation: the orchestrator holds the
// lock across resolve, backend call, and advance, because a second
// concurrent advance could silently overwrite a newer tail pointer with
// a stale one. Different conversations proceed fully in parallel.
type Conversation struct {
	mu sync.Mutex

	// ID is the content-derived fingerprint keying this conversation.
	ID string

	chatID string
	tailID string
}

// Lock serializes turn processing for this conversation.
func (c *Conversation) Lock() { c.mu.Lock() }

// Unlock releases the turn serialization lock.
func (c *Conversation) Unlock() { c.mu.Unlock() }

// ChatID returns the backend chat identity, or "" before the first
// successful turn. Caller must hold the lock.
func (c *Conversation) ChatID() string { return c.chatID }

// TailID returns the backend message identity of the most recent
// successful turn, or "" when the conversation has no prior turns.
// Caller must hold the lock.
func (c *Conversation) TailID() string { return c.tailID }

// ConversationTable maps content fingerprints to continuity state.
// The table itself is safe for concurrent use; per-conversation
// serialization is the conversation lock's job, not the table's.
// Entries are never deleted here: expiry is an external persistence
// concern.
type ConversationTable struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewConversationTable creates an empty continuity table.
func NewConversationTable() *ConversationTable {
	return &ConversationTable{
		conversations: make(map[string]*Conversation),
	}
}

// Resolve derives the conversation identity from the message list and
// returns the existing state for it, creating fresh state on first
// sight. Calling Resolve twice with an unchanged first-turn pair yields
// the same *Conversation, not a duplicate. A first-turn pair that
// hashes differently (e.g. the client retried with edited history)
// intentionally creates an independent conversation: continuity is
// keyed by content, not by any client-supplied session token.
func (t *ConversationTable) Resolve(messages []openai.ChatCompletionMessageParamUnion) *Conversation {
	id := Fingerprint(messages)

	t.mu.Lock()
	defer t.mu.Unlock()
	if conv, ok := t.conversations[id]; ok {
		return conv
	}
	conv := &Conversation{ID: id}
	t.conversations[id] = conv
	return conv
}

// Advance records the outcome of a successful backend turn. It must
// only be called after success: a failed turn must not move the tail
// pointer. Caller must hold the conversation lock.
func (t *ConversationTable) Advance(conv *Conversation, chatID, tailID string) {
	if chatID != "" {
		conv.chatID = chatID
	}
	if tailID != "" {
		conv.tailID = tailID
	}
}

// Len reports the number of known conversations.
func (t *ConversationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conversations)
}

// Fingerprint computes the deterministic conversation identity: a hash
// over the first user turn's text and the first assistant turn's text.
// When the assistant turn or its text is absent the hash degenerates to
// the user turn alone via an explicit empty-string fallback; hashing a
// missing value must never raise.
func Fingerprint(messages []openai.ChatCompletionMessageParamUnion) string {
	var firstUser, firstAssistant string
	var haveUser, haveAssistant bool

	for _, msg := range messages {
		if !haveUser && msg.OfUser != nil {
			firstUser = userMessageText(msg)
			haveUser = true
		}
		if !haveAssistant && msg.OfAssistant != nil {
			firstAssistant = msg.OfAssistant.Content.OfString.Or("")
			haveAssistant = true
		}
		if haveUser && haveAssistant {
			break
		}
	}

	h := sha256.New()
	h.Write([]byte(firstUser))
	h.Write([]byte{0})
	h.Write([]byte(firstAssistant))
	return hex.EncodeToString(h.Sum(nil))
}

// userMessageText extracts the text of a user message, flattening
// multimodal content parts to their text components.
func userMessageText(msg openai.ChatCompletionMessageParamUnion) string {
	if msg.OfUser == nil {
		return ""
	}
	content := msg.OfUser.Content
	if str := content.OfString.Or(""); str != "" {
		return str
	}
	if parts := content.OfArrayOfContentParts; len(parts) > 0 {
		var sb strings.Builder
		for _, part := range parts {
			if textPart := part.OfText; textPart != nil {
				sb.WriteString(textPart.Text)
			}
		}
		return sb.String()
	}
	return ""
}
