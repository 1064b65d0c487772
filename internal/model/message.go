package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Address is a single mailbox participant.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String renders the address the way it appears in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Recipients groups the addressees of a message by header.
type Recipients struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc"`
	Bcc []Address `json:"bcc"`
}

// Message is the locally mirrored copy of one remote message.
type Message struct {
	// MessageID is the provider identity of the message. It is unique
	// across the store.
	MessageID string `json:"message_id" db:"message_id"`

	// ThreadID groups messages of the same conversation. Empty when the
	// provider has no notion of threads.
	ThreadID string `json:"thread_id" db:"thread_id"`

	Sender     Address    `json:"sender"`
	Recipients Recipients `json:"recipients"`

	// Labels are Gmail label names or, for IMAP, the mailboxes that hold
	// the message.
	Labels []string `json:"labels"`

	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`

	// Size is the provider-reported size in bytes.
	Size int64 `json:"size" db:"size"`

	// Timestamp is when the message was sent. It does not change after
	// the first write unless explicitly overwritten.
	Timestamp time.Time `json:"timestamp"`

	IsRead     bool `json:"is_read"`
	IsOutgoing bool `json:"is_outgoing"`

	// IsDeleted is set only by deletion reconciliation.
	IsDeleted bool `json:"is_deleted"`

	// LastIndexed is the last time a sync observed the message. It never
	// moves backwards.
	LastIndexed time.Time `json:"last_indexed"`
}

// Field names a message attribute that can be overwritten on re-sync.
type Field string

const (
	FieldThreadID   Field = "thread_id"
	FieldSender     Field = "sender"
	FieldRecipients Field = "recipients"
	FieldSubject    Field = "subject"
	FieldBody       Field = "body"
	FieldSize       Field = "size"
	FieldTimestamp  Field = "timestamp"
	FieldIsOutgoing Field = "is_outgoing"
	FieldIsRead     Field = "is_read"
	FieldLabels     Field = "labels"
)

// AllFields lists every clobberable field in column order.
var AllFields = []Field{
	FieldThreadID,
	FieldSender,
	FieldRecipients,
	FieldSubject,
	FieldBody,
	FieldSize,
	FieldTimestamp,
	FieldIsOutgoing,
	FieldIsRead,
	FieldLabels,
}

// FieldSet is the set of fields a sync is allowed to overwrite on messages
// that already exist locally. The zero value overwrites nothing beyond the
// always-mutable attributes.
type FieldSet map[Field]struct{}

// NewFieldSet builds a set from the given fields.
func NewFieldSet(fields ...Field) FieldSet {
	s := make(FieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool {
	_, ok := s[f]
	return ok
}

// Fields returns the members in column order.
func (s FieldSet) Fields() []Field {
	out := make([]Field, 0, len(s))
	for _, f := range AllFields {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FieldSet) String() string {
	names := make([]string, 0, len(s))
	for _, f := range s.Fields() {
		names = append(names, string(f))
	}
	return strings.Join(names, ",")
}

// ParseFieldSet parses field names as given on the command line. Each entry
// may itself be a comma separated list. Unknown names are rejected.
func ParseFieldSet(names []string) (FieldSet, error) {
	known := make(map[string]Field, len(AllFields))
	for _, f := range AllFields {
		known[string(f)] = f
	}

	set := FieldSet{}
	var unknown []string
	for _, entry := range names {
		for _, raw := range strings.Split(entry, ",") {
			name := strings.ToLower(strings.TrimSpace(raw))
			if name == "" {
				continue
			}
			f, ok := known[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			set[f] = struct{}{}
		}
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown clobber fields: %s", strings.Join(unknown, ", "))
	}
	return set, nil
}
