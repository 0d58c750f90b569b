// SPDX-License-Identifier: GPL-3.0-or-later
package restconnection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
	"github.com/CrawX/go-mail-warden/mail"
)

const GmailBaseUrl = "https://gmail.googleapis.com/gmail/v1/users/me"

const gmailPageSize = 100

type gmailProfile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal uint32 `json:"messagesTotal"`
}

type gmailLabel struct {
	Id             string `json:"id"`
	Name           string `json:"name"`
	MessagesTotal  uint32 `json:"messagesTotal"`
	MessagesUnread uint32 `json:"messagesUnread"`
}

type gmailLabelList struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailMessageRef struct {
	Id string `json:"id"`
}

type gmailMessageList struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Data string `json:"data"`
}

type gmailPayload struct {
	MimeType string        `json:"mimeType"`
	Headers  []gmailHeader `json:"headers"`
	Body     gmailBody     `json:"body"`
	Parts    []gmailPayload `json:"parts"`
}

type gmailMessage struct {
	Id           string       `json:"id"`
	InternalDate string       `json:"internalDate"`
	SizeEstimate int64        `json:"sizeEstimate"`
	Payload      gmailPayload `json:"payload"`
}

// GmailConnection implements the connector contract on the Gmail REST API.
// Folders map to Gmail labels, uids are Gmail message ids.
type GmailConnection struct {
	account *domain.Account
	client  *restClient
	baseUrl string

	authenticated bool
	labelIds      map[string]string

	l *logrus.Logger
}

func NewGmailConnection(account *domain.Account, tokens domain.TokenSource) *GmailConnection {
	l := log.Logger(log.LOG_REST)
	return &GmailConnection{
		account: account,
		client:  newRestClient(account.AccountId, tokens, l),
		baseUrl: GmailBaseUrl,
		l:       l,
	}
}

func (g *GmailConnection) Authenticate(ctx context.Context) error {
	if g.authenticated {
		return nil
	}

	profile := gmailProfile{}
	err := g.client.doJSON(ctx, "GET", g.baseUrl+"/profile", nil, &profile)
	if err != nil {
		return fmt.Errorf("could not fetch gmail profile: %w", err)
	}

	g.l.WithFields(logrus.Fields{"account": g.account.AccountId, "email": profile.EmailAddress}).Debug("Authenticated against Gmail API")
	g.authenticated = true
	return nil
}

func (g *GmailConnection) ForEachMessage(ctx context.Context, folder string, fn func(summary *domain.MessageSummary) error) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	labelId, err := g.labelId(ctx, folder)
	if err != nil {
		return err
	}

	pageToken := ""
	for {
		query := url.Values{}
		query.Set("labelIds", labelId)
		query.Set("maxResults", strconv.Itoa(gmailPageSize))
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		list := gmailMessageList{}
		err = g.client.doJSON(ctx, "GET", g.baseUrl+"/messages?"+query.Encode(), nil, &list)
		if err != nil {
			return fmt.Errorf("could not list messages in %s: %w", folder, err)
		}

		for _, ref := range list.Messages {
			summary, err := g.fetchSummary(ctx, ref.Id)
			if err != nil {
				if errors.Is(err, errNotFound) {
					// Removed by another client since listing, skip
					continue
				}
				return err
			}

			err = fn(summary)
			if err != nil {
				return err
			}
		}

		if list.NextPageToken == "" {
			return nil
		}
		pageToken = list.NextPageToken
	}
}

func (g *GmailConnection) fetchSummary(ctx context.Context, id string) (*domain.MessageSummary, error) {
	query := url.Values{}
	query.Set("format", "metadata")
	for _, header := range append([]string{"From", "Subject", "Date"}, mail.SpamHeaderNames...) {
		query.Add("metadataHeaders", header)
	}

	message := gmailMessage{}
	err := g.client.doJSON(ctx, "GET", g.baseUrl+"/messages/"+id+"?"+query.Encode(), nil, &message)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("could not fetch message %s: %w", id, err)
	}

	summary := &domain.MessageSummary{
		Uid:         message.Id,
		Size:        message.SizeEstimate,
		SpamHeaders: map[string]string{},
	}

	millis, err := strconv.ParseInt(message.InternalDate, 10, 64)
	if err == nil {
		summary.Date = time.UnixMilli(millis)
	}

	for _, header := range message.Payload.Headers {
		switch {
		case strings.EqualFold(header.Name, "From"):
			summary.From = mail.DecodeHeader(header.Value)
		case strings.EqualFold(header.Name, "Subject"):
			summary.Subject = mail.DecodeHeader(header.Value)
		default:
			for _, spamHeader := range mail.SpamHeaderNames {
				if strings.EqualFold(header.Name, spamHeader) {
					summary.SpamHeaders[spamHeader] = header.Value
				}
			}
		}
	}

	return summary, nil
}

func (g *GmailConnection) FetchBody(ctx context.Context, folder string, uid string) (*domain.MessageBody, error) {
	err := g.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	message := gmailMessage{}
	err = g.client.doJSON(ctx, "GET", g.baseUrl+"/messages/"+uid+"?format=full", nil, &message)
	if err != nil {
		return nil, fmt.Errorf("could not fetch body of %s: %w", uid, err)
	}

	return &domain.MessageBody{Uid: uid, Text: plainTextPart(&message.Payload)}, nil
}

// plainTextPart walks the payload tree for the first text/plain part. Gmail
// encodes part data as url-safe base64.
func plainTextPart(payload *gmailPayload) string {
	if strings.HasPrefix(payload.MimeType, "text/plain") && payload.Body.Data != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload.Body.Data, "="))
		if err != nil {
			return ""
		}
		return string(decoded)
	}

	for i := range payload.Parts {
		text := plainTextPart(&payload.Parts[i])
		if text != "" {
			return text
		}
	}

	return ""
}

func (g *GmailConnection) Move(ctx context.Context, uids []string, fromFolder, toFolder string) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	fromId, err := g.labelId(ctx, fromFolder)
	if err != nil {
		return err
	}
	toId, err := g.labelId(ctx, toFolder)
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"addLabelIds":    []string{toId},
		"removeLabelIds": []string{fromId},
	}

	for _, uid := range uids {
		err = g.client.doJSON(ctx, "POST", g.baseUrl+"/messages/"+uid+"/modify", body, nil)
		if errors.Is(err, errNotFound) {
			// Already gone, retry-safe no-op
			continue
		}
		if err != nil {
			return fmt.Errorf("could not move message %s: %w", uid, err)
		}
	}

	return nil
}

func (g *GmailConnection) Delete(ctx context.Context, uids []string, folder string) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	for _, uid := range uids {
		err = g.client.doJSON(ctx, "POST", g.baseUrl+"/messages/"+uid+"/trash", nil, nil)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("could not trash message %s: %w", uid, err)
		}
	}

	return nil
}

func (g *GmailConnection) EnsureFolder(ctx context.Context, name string) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	if _, found := g.labelIds[strings.ToLower(name)]; !found {
		err = g.refreshLabels(ctx)
		if err != nil {
			return err
		}
	}
	if _, found := g.labelIds[strings.ToLower(name)]; found {
		return nil
	}

	body := map[string]interface{}{
		"name":                  name,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	}
	created := gmailLabel{}
	err = g.client.doJSON(ctx, "POST", g.baseUrl+"/labels", body, &created)
	if err != nil {
		return fmt.Errorf("could not create label %s: %w", name, err)
	}

	g.labelIds[strings.ToLower(name)] = created.Id
	g.l.WithFields(logrus.Fields{"account": g.account.AccountId, "label": name}).Info("Created label")
	return nil
}

func (g *GmailConnection) Send(ctx context.Context, message *domain.OutgoingMessage) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	raw, err := mail.BuildOutgoing(g.account.EmailAddress, message)
	if err != nil {
		return fmt.Errorf("could not build outgoing mail: %w", err)
	}

	body := map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)}
	err = g.client.doJSON(ctx, "POST", g.baseUrl+"/messages/send", body, nil)
	if err != nil {
		return fmt.Errorf("could not send mail: %w", err)
	}

	return nil
}

func (g *GmailConnection) MailboxStats(ctx context.Context, folder string) (*domain.MailboxStats, error) {
	err := g.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	labelId, err := g.labelId(ctx, folder)
	if err != nil {
		return nil, err
	}

	label := gmailLabel{}
	err = g.client.doJSON(ctx, "GET", g.baseUrl+"/labels/"+labelId, nil, &label)
	if err != nil {
		return nil, fmt.Errorf("could not fetch label %s: %w", folder, err)
	}

	return &domain.MailboxStats{TotalMessages: label.MessagesTotal, UnseenMessages: label.MessagesUnread}, nil
}

func (g *GmailConnection) Close() error {
	g.authenticated = false
	g.labelIds = nil
	return nil
}

func (g *GmailConnection) labelId(ctx context.Context, folder string) (string, error) {
	if g.labelIds == nil {
		err := g.refreshLabels(ctx)
		if err != nil {
			return "", err
		}
	}

	id, found := g.labelIds[strings.ToLower(folder)]
	if !found {
		return "", fmt.Errorf("no gmail label matches folder %q", folder)
	}
	return id, nil
}

func (g *GmailConnection) refreshLabels(ctx context.Context) error {
	list := gmailLabelList{}
	err := g.client.doJSON(ctx, "GET", g.baseUrl+"/labels", nil, &list)
	if err != nil {
		return fmt.Errorf("could not list labels: %w", err)
	}

	g.labelIds = map[string]string{}
	for _, label := range list.Labels {
		g.labelIds[strings.ToLower(label.Name)] = label.Id
	}
	return nil
}
