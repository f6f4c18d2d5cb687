package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/foxzi/mergemail/internal/message"
)

// GmailConfig holds the OAuth2 client credentials and sender identity
// for the Gmail provider.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// SenderAddress is the mailbox messages are sent from.
	SenderAddress string
	// SenderName is the optional display name for the From header.
	SenderName string
}

// Gmail implements Provider using the Gmail API.
type Gmail struct {
	service *gmail.Service
	from    string
	logger  *slog.Logger

	// idLookupAttempts bounds the metadata polling for the RFC
	// Message-ID header after a send.
	idLookupAttempts int
	idLookupDelay    time.Duration
}

// NewGmail creates a Gmail provider from OAuth2 client credentials plus
// a refresh token for the sender mailbox.
func NewGmail(ctx context.Context, cfg GmailConfig, logger *slog.Logger) (*Gmail, error) {
	if cfg.SenderAddress == "" {
		return nil, fmt.Errorf("gmail: sender address is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gmail: client credentials and refresh token are required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			gmail.GmailSendScope,
			gmail.GmailComposeScope,
			gmail.GmailModifyScope,
			gmail.GmailLabelsScope,
		},
	}

	client := oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}

	return &Gmail{
		service:          svc,
		from:             message.FormatFrom(cfg.SenderAddress, cfg.SenderName),
		logger:           logger,
		idLookupAttempts: 3,
		idLookupDelay:    2 * time.Second,
	}, nil
}

// Send delivers the payload via Users.Messages.Send.
func (g *Gmail) Send(ctx context.Context, p *message.Payload) (Result, error) {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(p.Raw(g.from)),
	}
	if p.ThreadID != "" {
		msg.ThreadId = p.ThreadID
	}

	sent, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return Result{}, fmt.Errorf("gmail: send failed: %w", err)
	}

	res := Result{
		ID:           sent.Id,
		ThreadID:     sent.ThreadId,
		RfcMessageID: g.lookupRfcMessageID(ctx, sent.Id),
	}
	return res, nil
}

// CreateDraft stores the payload via Users.Drafts.Create.
func (g *Gmail) CreateDraft(ctx context.Context, p *message.Payload) (Result, error) {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(p.Raw(g.from)),
	}
	if p.ThreadID != "" {
		msg.ThreadId = p.ThreadID
	}

	draft, err := g.service.Users.Drafts.Create("me", &gmail.Draft{Message: msg}).Context(ctx).Do()
	if err != nil {
		return Result{}, fmt.Errorf("gmail: draft creation failed: %w", err)
	}

	res := Result{ID: draft.Id}
	if draft.Message != nil {
		res.ID = draft.Message.Id
		res.ThreadID = draft.Message.ThreadId
		res.RfcMessageID = draft.Message.Id
	}
	return res, nil
}

// EnsureLabel returns the id of the named label, creating it when
// missing. Name comparison is case-insensitive, matching the Gmail UI.
func (g *Gmail) EnsureLabel(ctx context.Context, name string) (string, error) {
	list, err := g.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to list labels: %w", err)
	}
	for _, l := range list.Labels {
		if strings.EqualFold(l.Name, name) {
			return l.Id, nil
		}
	}

	created, err := g.service.Users.Labels.Create("me", &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: failed to create label %q: %w", name, err)
	}
	return created.Id, nil
}

// ApplyLabel tags a message via Users.Messages.Modify.
func (g *Gmail) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	_, err := g.service.Users.Messages.Modify("me", messageID, &gmail.ModifyMessageRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail: failed to apply label: %w", err)
	}
	return nil
}

// lookupRfcMessageID fetches the Message-ID header of a sent message
// with a bounded number of metadata reads. The header may not be
// queryable immediately after a send; an unresolved id is a valid
// outcome and falls back to the provider id.
func (g *Gmail) lookupRfcMessageID(ctx context.Context, id string) string {
	for attempt := 0; attempt < g.idLookupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return id
			case <-time.After(g.idLookupDelay):
			}
		}

		msg, err := g.service.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders("Message-ID").
			Context(ctx).Do()
		if err != nil {
			g.logger.Debug("message-id lookup failed", "message_id", id, "attempt", attempt+1, "error", err)
			continue
		}

		if msg.Payload != nil {
			for _, h := range msg.Payload.Headers {
				if strings.EqualFold(h.Name, "Message-ID") && h.Value != "" {
					return h.Value
				}
			}
		}
	}

	g.logger.Debug("message-id unresolved, using provider id", "message_id", id)
	return id
}
