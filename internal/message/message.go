// Package message builds provider-ready payloads from rendered subject
// and body pairs.
package message

import (
	"errors"
	"fmt"
	"strings"
)

// Intent is the requested disposition for a row's message.
type Intent string

const (
	IntentNew   Intent = "new"
	IntentReply Intent = "reply"
	IntentDraft Intent = "draft"
)

// ParseIntent parses a config or flag value into an Intent.
func ParseIntent(v string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(v))) {
	case IntentNew:
		return IntentNew, nil
	case IntentReply:
		return IntentReply, nil
	case IntentDraft:
		return IntentDraft, nil
	}
	return "", fmt.Errorf("invalid intent %q (must be new, reply, or draft)", v)
}

// ReplyPolicy decides what happens to a reply-intent row that has no
// threading data.
type ReplyPolicy string

const (
	// ReplyPolicyDowngrade sends the row as a new message and flags it.
	ReplyPolicyDowngrade ReplyPolicy = "downgrade"
	// ReplyPolicySkip refuses the row with ErrThreadingDataMissing.
	ReplyPolicySkip ReplyPolicy = "skip"
)

// ParseReplyPolicy parses a config value into a ReplyPolicy.
func ParseReplyPolicy(v string) (ReplyPolicy, error) {
	switch ReplyPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", ReplyPolicyDowngrade:
		return ReplyPolicyDowngrade, nil
	case ReplyPolicySkip:
		return ReplyPolicySkip, nil
	}
	return "", fmt.Errorf("invalid reply policy %q (must be downgrade or skip)", v)
}

// ErrThreadingDataMissing is returned by Build for a reply-intent row
// without threading identifiers when the policy is skip.
var ErrThreadingDataMissing = errors.New("reply requested but thread id or message id is missing")

// Payload is a provider-ready message: routing metadata plus the parts
// needed to assemble the raw RFC 5322 bytes.
type Payload struct {
	To       string
	Subject  string
	HTMLBody string

	// ThreadID associates the message with an existing provider thread.
	// Empty for new messages and drafts without threading data.
	ThreadID string

	// InReplyTo and References carry the threading headers for replies.
	InReplyTo  string
	References string

	// Degraded is set when a reply-intent row lost its threading data
	// and was downgraded to a new-style message.
	Degraded bool
}

// Build constructs the payload for one row. For reply intent both
// threadID and rfcMessageID are required; when either is blank the
// policy decides between downgrading to a new-style payload and
// refusing the row. Build performs no I/O.
func Build(intent Intent, to, subject, htmlBody, threadID, rfcMessageID string, policy ReplyPolicy) (*Payload, error) {
	p := &Payload{
		To:       to,
		Subject:  subject,
		HTMLBody: htmlBody,
	}

	if intent != IntentReply {
		return p, nil
	}

	threadID = strings.TrimSpace(threadID)
	rfcMessageID = strings.TrimSpace(rfcMessageID)

	if threadID == "" || rfcMessageID == "" {
		if policy == ReplyPolicySkip {
			return nil, ErrThreadingDataMissing
		}
		p.Degraded = true
		return p, nil
	}

	p.ThreadID = threadID
	p.InReplyTo = rfcMessageID
	p.References = rfcMessageID
	return p, nil
}

// Raw assembles the RFC 5322 message bytes for the payload. from is the
// sender line, e.g. "Jane Doe <jane@example.com>".
func (p *Payload) Raw(from string) []byte {
	headers := []string{
		"From: " + from,
		"To: " + p.To,
		"Subject: " + p.Subject,
	}
	if p.InReplyTo != "" {
		headers = append(headers,
			"In-Reply-To: "+p.InReplyTo,
			"References: "+p.References,
		)
	}
	headers = append(headers,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		p.HTMLBody,
	)
	return []byte(strings.Join(headers, "\r\n"))
}

// FormatFrom builds the From header value from an address and an
// optional display name.
func FormatFrom(address, name string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
