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

const GraphBaseUrl = "https://graph.microsoft.com/v1.0/me"

const graphPageSize = 100

// Graph well-known folder names for the folders every mailbox has.
var graphWellKnownFolders = map[string]string{
	"inbox":         "inbox",
	"spam":          "junkemail",
	"junk":          "junkemail",
	"junk email":    "junkemail",
	"trash":         "deleteditems",
	"deleted items": "deleteditems",
	"sent":          "sentitems",
	"sent items":    "sentitems",
	"drafts":        "drafts",
	"archive":       "archive",
}

type graphFolder struct {
	Id              string `json:"id"`
	DisplayName     string `json:"displayName"`
	TotalItemCount  uint32 `json:"totalItemCount"`
	UnreadItemCount uint32 `json:"unreadItemCount"`
}

type graphFolderList struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphInternetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Id                     string                `json:"id"`
	Subject                string                `json:"subject"`
	From                   graphRecipient        `json:"from"`
	ReceivedDateTime       string                `json:"receivedDateTime"`
	Body                   graphItemBody         `json:"body"`
	InternetMessageHeaders []graphInternetHeader `json:"internetMessageHeaders"`
}

type graphMessageList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// GraphConnection implements the connector contract on the Microsoft Graph
// mail API for hotmail/outlook accounts.
type GraphConnection struct {
	account *domain.Account
	client  *restClient
	baseUrl string

	authenticated bool
	folderIds     map[string]string

	l *logrus.Logger
}

func NewGraphConnection(account *domain.Account, tokens domain.TokenSource) *GraphConnection {
	l := log.Logger(log.LOG_REST)
	return &GraphConnection{
		account: account,
		client:  newRestClient(account.AccountId, tokens, l),
		baseUrl: GraphBaseUrl,
		l:       l,
	}
}

func (g *GraphConnection) Authenticate(ctx context.Context) error {
	if g.authenticated {
		return nil
	}

	// The inbox folder exists for every mailbox and proves the token works
	folder := graphFolder{}
	err := g.client.doJSON(ctx, "GET", g.baseUrl+"/mailFolders/inbox", nil, &folder)
	if err != nil {
		return fmt.Errorf("could not probe graph mailbox: %w", err)
	}

	g.l.WithFields(logrus.Fields{"account": g.account.AccountId}).Debug("Authenticated against Microsoft Graph")
	g.authenticated = true
	return nil
}

func (g *GraphConnection) ForEachMessage(ctx context.Context, folder string, fn func(summary *domain.MessageSummary) error) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	folderId, err := g.folderId(ctx, folder)
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("$select", "id,subject,from,receivedDateTime,internetMessageHeaders")
	query.Set("$top", strconv.Itoa(graphPageSize))
	next := g.baseUrl + "/mailFolders/" + folderId + "/messages?" + query.Encode()

	for next != "" {
		list := graphMessageList{}
		err = g.client.doJSON(ctx, "GET", next, nil, &list)
		if err != nil {
			return fmt.Errorf("could not list messages in %s: %w", folder, err)
		}

		for i := range list.Value {
			err = fn(graphSummary(&list.Value[i]))
			if err != nil {
				return err
			}
		}

		next = list.NextLink
	}

	return nil
}

func graphSummary(message *graphMessage) *domain.MessageSummary {
	summary := &domain.MessageSummary{
		Uid:         message.Id,
		From:        mail.DecodeHeader(formatGraphAddress(message.From.EmailAddress)),
		Subject:     mail.DecodeHeader(message.Subject),
		SpamHeaders: map[string]string{},
	}

	received, err := time.Parse(time.RFC3339, message.ReceivedDateTime)
	if err == nil {
		summary.Date = received
	}

	for _, header := range message.InternetMessageHeaders {
		for _, spamHeader := range mail.SpamHeaderNames {
			if strings.EqualFold(header.Name, spamHeader) {
				summary.SpamHeaders[spamHeader] = header.Value
			}
		}
	}

	return summary
}

func formatGraphAddress(addr graphEmailAddress) string {
	if addr.Name != "" && addr.Name != addr.Address {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
	}
	return addr.Address
}

func (g *GraphConnection) FetchBody(ctx context.Context, folder string, uid string) (*domain.MessageBody, error) {
	err := g.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	message := graphMessage{}
	err = g.client.doJSON(ctx, "GET", g.baseUrl+"/messages/"+uid+"?$select=body", nil, &message)
	if err != nil {
		return nil, fmt.Errorf("could not fetch body of %s: %w", uid, err)
	}

	return &domain.MessageBody{Uid: uid, Text: message.Body.Content}, nil
}

func (g *GraphConnection) Move(ctx context.Context, uids []string, fromFolder, toFolder string) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	toId, err := g.folderId(ctx, toFolder)
	if err != nil {
		return err
	}

	body := map[string]string{"destinationId": toId}
	for _, uid := range uids {
		err = g.client.doJSON(ctx, "POST", g.baseUrl+"/messages/"+uid+"/move", body, nil)
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

func (g *GraphConnection) Delete(ctx context.Context, uids []string, folder string) error {
	// Soft delete: moving to deleted items matches what the mail clients do
	return g.Move(ctx, uids, folder, "trash")
}

func (g *GraphConnection) EnsureFolder(ctx context.Context, name string) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	// Well-known folders always exist and Move routes to them by their
	// well-known name, so creating a same-named folder would orphan it.
	if _, found := graphWellKnownFolders[strings.ToLower(name)]; found {
		return nil
	}

	if _, found := g.lookupFolder(name); !found {
		err = g.refreshFolders(ctx)
		if err != nil {
			return err
		}
	}
	if _, found := g.lookupFolder(name); found {
		return nil
	}

	created := graphFolder{}
	err = g.client.doJSON(ctx, "POST", g.baseUrl+"/mailFolders", map[string]string{"displayName": name}, &created)
	if err != nil {
		return fmt.Errorf("could not create folder %s: %w", name, err)
	}

	g.folderIds[strings.ToLower(name)] = created.Id
	g.l.WithFields(logrus.Fields{"account": g.account.AccountId, "folder": name}).Info("Created folder")
	return nil
}

func (g *GraphConnection) Send(ctx context.Context, message *domain.OutgoingMessage) error {
	err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	contentType := "text"
	if message.Html {
		contentType = "html"
	}

	recipients := make([]graphRecipient, 0, len(message.To))
	for _, to := range message.To {
		recipients = append(recipients, graphRecipient{EmailAddress: graphEmailAddress{Address: to}})
	}

	attachments := make([]map[string]string, 0, len(message.Attachments))
	for _, attachment := range message.Attachments {
		attachments = append(attachments, map[string]string{
			"@odata.type":  "#microsoft.graph.fileAttachment",
			"name":         attachment.Filename,
			"contentType":  attachment.ContentType,
			"contentBytes": base64.StdEncoding.EncodeToString(attachment.Data),
		})
	}

	body := map[string]interface{}{
		"message": map[string]interface{}{
			"subject":      message.Subject,
			"body":         graphItemBody{ContentType: contentType, Content: message.Body},
			"toRecipients": recipients,
			"attachments":  attachments,
		},
		"saveToSentItems": true,
	}

	err = g.client.doJSON(ctx, "POST", g.baseUrl+"/sendMail", body, nil)
	if err != nil {
		return fmt.Errorf("could not send mail: %w", err)
	}

	return nil
}

func (g *GraphConnection) MailboxStats(ctx context.Context, folder string) (*domain.MailboxStats, error) {
	err := g.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	folderId, err := g.folderId(ctx, folder)
	if err != nil {
		return nil, err
	}

	stats := graphFolder{}
	err = g.client.doJSON(ctx, "GET", g.baseUrl+"/mailFolders/"+folderId, nil, &stats)
	if err != nil {
		return nil, fmt.Errorf("could not fetch folder %s: %w", folder, err)
	}

	return &domain.MailboxStats{TotalMessages: stats.TotalItemCount, UnseenMessages: stats.UnreadItemCount}, nil
}

func (g *GraphConnection) Close() error {
	g.authenticated = false
	g.folderIds = nil
	return nil
}

// folderId resolves a folder name to a Graph folder id, preferring the
// well-known names so "Spam" and "Trash" work without a folder listing.
func (g *GraphConnection) folderId(ctx context.Context, folder string) (string, error) {
	if wellKnown, found := graphWellKnownFolders[strings.ToLower(folder)]; found {
		return wellKnown, nil
	}

	if g.folderIds == nil {
		err := g.refreshFolders(ctx)
		if err != nil {
			return "", err
		}
	}

	id, found := g.lookupFolder(folder)
	if !found {
		return "", fmt.Errorf("no mail folder matches %q", folder)
	}
	return id, nil
}

func (g *GraphConnection) lookupFolder(folder string) (string, bool) {
	id, found := g.folderIds[strings.ToLower(folder)]
	return id, found
}

func (g *GraphConnection) refreshFolders(ctx context.Context) error {
	query := url.Values{}
	query.Set("$top", strconv.Itoa(graphPageSize))
	next := g.baseUrl + "/mailFolders?" + query.Encode()

	g.folderIds = map[string]string{}
	for next != "" {
		list := graphFolderList{}
		err := g.client.doJSON(ctx, "GET", next, nil, &list)
		if err != nil {
			return fmt.Errorf("could not list folders: %w", err)
		}

		for _, folder := range list.Value {
			g.folderIds[strings.ToLower(folder.DisplayName)] = folder.Id
		}
		next = list.NextLink
	}

	return nil
}
