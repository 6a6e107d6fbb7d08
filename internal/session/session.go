package session

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleLength is the number of characters of the first message kept in a title
const TitleLength = 40

// Message represents a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation represents a stored chat conversation
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity names the current user. An empty User means the caller is anonymous
// and Guest identifies it for quota accounting.
type Identity struct {
	User  string `json:"user,omitempty"`
	Guest string `json:"guest,omitempty"`
}

// DefaultGuest is used when an anonymous identity carries no guest name
const DefaultGuest = "default"

// Durable reports whether the identity has persistent history
func (i Identity) Durable() bool {
	return i.User != ""
}

// GuestKey returns the name used for the anonymous quota counter
func (i Identity) GuestKey() string {
	if i.Guest == "" {
		return DefaultGuest
	}
	return i.Guest
}

func (i Identity) String() string {
	if i.Durable() {
		return i.User
	}
	return "guest:" + i.GuestKey()
}

// Title derives a conversation title from the first message content.
func Title(firstContent string) string {
	if utf8.RuneCountInString(firstContent) <= TitleLength {
		return firstContent
	}
	runes := []rune(firstContent)
	return string(runes[:TitleLength]) + "..."
}

// TitleOf returns the derived title of a message sequence
func TitleOf(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return Title(messages[0].Content)
}

// Append returns a new slice holding messages followed by msg.
// The input slice is never modified.
func Append(messages []Message, msg Message) []Message {
	out := make([]Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, msg)
}

// Clone copies a message slice
func Clone(messages []Message) []Message {
	if messages == nil {
		return []Message{}
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

var (
	entropyOnce sync.Once
	entropyMu   sync.Mutex
	entropy     *ulid.MonotonicEntropy
)

func newEntropy() *ulid.MonotonicEntropy {
	entropyOnce.Do(func() {
		source := rand.NewSource(time.Now().UnixNano())
		entropy = ulid.Monotonic(rand.New(source), 0)
	})
	return entropy
}

// NewConversationID returns a time ordered, collision resistant conversation id.
func NewConversationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), newEntropy())
	return "conv_" + strings.ToLower(id.String())
}

// FormatAge renders how long ago t was, relative to now.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	diff := now.Sub(t)
	mins := int(diff / time.Minute)
	switch {
	case mins < 1:
		return "Just now"
	case mins < 60:
		return fmt.Sprintf("%dm ago", mins)
	case mins < 24*60:
		return fmt.Sprintf("%dh ago", mins/60)
	default:
		return t.Local().Format("2006-01-02")
	}
}
