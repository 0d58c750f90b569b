// SPDX-License-Identifier: GPL-3.0-or-later
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/CrawX/go-mail-warden/accounts"
	"github.com/CrawX/go-mail-warden/classify"
	"github.com/CrawX/go-mail-warden/cleanup"
	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
)

// Server is the local HTTP surface: account management, oauth flows, the
// bulk workflows as background jobs and one-off classification.
type Server struct {
	app        *fiber.App
	manager    *accounts.Manager
	engine     *cleanup.Engine
	classifier *classify.Classifier
	jobs       *JobRunner

	l *logrus.Logger
}

func NewServer(manager *accounts.Manager, engine *cleanup.Engine, classifier *classify.Classifier, workers int) *Server {
	server := &Server{
		app:        fiber.New(fiber.Config{DisableStartupMessage: true}),
		manager:    manager,
		engine:     engine,
		classifier: classifier,
		jobs:       NewJobRunner(workers),
		l:          log.Logger(log.LOG_API),
	}

	api := server.app.Group("/api")
	api.Get("/accounts", server.handleListAccounts)
	api.Post("/accounts", server.handleAddAccount)
	api.Delete("/accounts/:id", server.handleRemoveAccount)
	api.Post("/accounts/:id/test", server.handleTestAccount)
	api.Post("/accounts/:id/send", server.handleSend)

	api.Post("/oauth/start", server.handleOAuthStart)
	api.Get("/oauth/:id", server.handleOAuthStatus)
	api.Post("/oauth/:id/complete", server.handleOAuthComplete)

	api.Post("/cleanup", server.handleCleanup)
	api.Post("/spamfilter", server.handleSpamFilter)
	api.Post("/categorize", server.handleCategorize)
	api.Get("/jobs/:id", server.handleGetJob)
	api.Delete("/jobs/:id", server.handleCancelJob)

	api.Post("/classify", server.handleClassify)

	return server
}

func (s *Server) Listen(addr string) error {
	s.l.WithFields(logrus.Fields{"addr": addr}).Info("Listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

type accountResponse struct {
	AccountId    string `json:"account_id"`
	Provider     string `json:"provider"`
	AuthType     string `json:"auth_type"`
	EmailAddress string `json:"email_address"`
	ImapHost     string `json:"imap_host,omitempty"`
	SmtpHost     string `json:"smtp_host,omitempty"`
}

func toAccountResponse(account *domain.Account) accountResponse {
	return accountResponse{
		AccountId:    account.AccountId,
		Provider:     string(account.Provider),
		AuthType:     string(account.AuthType),
		EmailAddress: account.EmailAddress,
		ImapHost:     account.Transport.ImapHost,
		SmtpHost:     account.Transport.SmtpHost,
	}
}

func (s *Server) handleListAccounts(c *fiber.Ctx) error {
	listed, err := s.manager.ListAccounts()
	if err != nil {
		return s.fail(c, err)
	}

	response := make([]accountResponse, 0, len(listed))
	for _, account := range listed {
		response = append(response, toAccountResponse(account))
	}
	return c.JSON(response)
}

type addAccountRequest struct {
	AccountId    string `json:"account_id"`
	Provider     string `json:"provider"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
	ImapHost     string `json:"imap_host"`
	ImapPort     int    `json:"imap_port"`
	SmtpHost     string `json:"smtp_host"`
	SmtpPort     int    `json:"smtp_port"`
	UseSsl       bool   `json:"use_ssl"`
}

func (s *Server) handleAddAccount(c *fiber.Ctx) error {
	request := addAccountRequest{}
	err := c.BodyParser(&request)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	account := &domain.Account{
		AccountId:    request.AccountId,
		Provider:     domain.Provider(request.Provider),
		EmailAddress: request.EmailAddress,
		Transport: domain.Transport{
			ImapHost: request.ImapHost,
			ImapPort: request.ImapPort,
			SmtpHost: request.SmtpHost,
			SmtpPort: request.SmtpPort,
			UseSsl:   request.UseSsl,
		},
	}

	added, err := s.manager.AddPasswordAccount(c.Context(), account, request.Password)
	if err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toAccountResponse(added))
}

func (s *Server) handleRemoveAccount(c *fiber.Ctx) error {
	err := s.manager.RemoveAccount(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type testAccountRequest struct {
	Folder string `json:"folder"`
}

func (s *Server) handleTestAccount(c *fiber.Ctx) error {
	request := testAccountRequest{}
	_ = c.BodyParser(&request)

	stats, err := s.manager.TestAccount(c.Context(), c.Params("id"), request.Folder)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"total_messages":  stats.TotalMessages,
		"unseen_messages": stats.UnseenMessages,
	})
}

type sendRequest struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Html    bool     `json:"html"`
}

func (s *Server) handleSend(c *fiber.Ctx) error {
	request := sendRequest{}
	err := c.BodyParser(&request)
	if err != nil || len(request.To) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "recipient list must not be empty"})
	}

	connector, release, err := s.manager.Resolve(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	defer release()

	err = connector.Send(c.Context(), &domain.OutgoingMessage{
		To:      request.To,
		Subject: request.Subject,
		Body:    request.Body,
		Html:    request.Html,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

type oauthStartRequest struct {
	AccountId    string   `json:"account_id"`
	Provider     string   `json:"provider"`
	EmailAddress string   `json:"email_address"`
	ClientId     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

func (s *Server) handleOAuthStart(c *fiber.Ctx) error {
	request := oauthStartRequest{}
	err := c.BodyParser(&request)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	account := &domain.Account{
		AccountId:     request.AccountId,
		Provider:      domain.Provider(request.Provider),
		EmailAddress:  request.EmailAddress,
		OAuthClientId: request.ClientId,
		OAuthScopes:   request.Scopes,
	}

	flow, err := s.manager.StartOAuthAccount(account, request.ClientSecret)
	if err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"flow_id":           flow.Id,
		"authorization_url": flow.AuthorizationUrl,
		"status":            flow.Status,
	})
}

func (s *Server) handleOAuthStatus(c *fiber.Ctx) error {
	flow, err := s.manager.OAuthFlow(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"flow_id":        flow.Id,
		"account_id":     flow.AccountId,
		"status":         flow.Status,
		"failure_reason": flow.FailureReason,
	})
}

type oauthCompleteRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// handleOAuthComplete finishes an authorization. When the provider redirect
// went to the local listener the flow is already authorized and only the
// account finalization is left; otherwise state and code are expected here.
func (s *Server) handleOAuthComplete(c *fiber.Ctx) error {
	request := oauthCompleteRequest{}
	_ = c.BodyParser(&request)

	flowId := c.Params("id")
	if request.Code != "" {
		err := s.manager.CompleteOAuthFlow(flowId, request.State, request.Code)
		if err != nil {
			return s.fail(c, err)
		}
	}

	account, err := s.manager.FinalizeOAuthAccount(c.Context(), flowId)
	if err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toAccountResponse(account))
}

type cleanupRequest struct {
	AccountId       string `json:"account_id"`
	Folder          string `json:"folder"`
	OlderThanDays   int    `json:"older_than_days"`
	FromContains    string `json:"from_contains"`
	SubjectContains string `json:"subject_contains"`
	DryRun          bool   `json:"dry_run"`
	ConfirmMatchAll bool   `json:"confirm_match_all"`
	Action          string `json:"action"`
	MoveTo          string `json:"move_to"`
}

func (s *Server) handleCleanup(c *fiber.Ctx) error {
	request := cleanupRequest{}
	err := c.BodyParser(&request)
	if err != nil || request.AccountId == "" || request.Folder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id and folder are required"})
	}
	if request.Action != cleanup.OperationDelete && request.Action != cleanup.OperationMove {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action must be delete or move"})
	}
	if request.Action == cleanup.OperationMove && request.MoveTo == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "move needs a move_to folder"})
	}

	criteria := &domain.CleanupCriteria{
		Folder:          request.Folder,
		OlderThanDays:   request.OlderThanDays,
		FromContains:    request.FromContains,
		SubjectContains: request.SubjectContains,
		DryRun:          request.DryRun,
		ConfirmMatchAll: request.ConfirmMatchAll,
	}

	job := s.jobs.Submit(request.Action, request.AccountId, func(ctx context.Context) (interface{}, error) {
		if request.Action == cleanup.OperationMove {
			return s.engine.Move(ctx, request.AccountId, criteria, request.MoveTo)
		}
		return s.engine.Delete(ctx, request.AccountId, criteria)
	})

	return c.Status(fiber.StatusAccepted).JSON(job)
}

type spamFilterRequest struct {
	AccountId   string `json:"account_id"`
	Folder      string `json:"folder"`
	DryRun      bool   `json:"dry_run"`
	MaxMessages int    `json:"max_messages"`
}

func (s *Server) handleSpamFilter(c *fiber.Ctx) error {
	request := spamFilterRequest{}
	err := c.BodyParser(&request)
	if err != nil || request.AccountId == "" || request.Folder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id and folder are required"})
	}

	job := s.jobs.Submit(cleanup.OperationFilterSpam, request.AccountId, func(ctx context.Context) (interface{}, error) {
		return s.engine.FilterSpam(ctx, request.AccountId, request.Folder, request.DryRun, request.MaxMessages)
	})

	return c.Status(fiber.StatusAccepted).JSON(job)
}

type categorizeRequest struct {
	AccountId string `json:"account_id"`
	Folder    string `json:"folder"`
	DryRun    bool   `json:"dry_run"`
}

func (s *Server) handleCategorize(c *fiber.Ctx) error {
	request := categorizeRequest{}
	err := c.BodyParser(&request)
	if err != nil || request.AccountId == "" || request.Folder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id and folder are required"})
	}

	job := s.jobs.Submit(cleanup.OperationCategorize, request.AccountId, func(ctx context.Context) (interface{}, error) {
		return s.engine.Categorize(ctx, request.AccountId, request.Folder, request.DryRun)
	})

	return c.Status(fiber.StatusAccepted).JSON(job)
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	job, err := s.jobs.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(job)
}

func (s *Server) handleCancelJob(c *fiber.Ctx) error {
	err := s.jobs.Cancel(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type classifyRequest struct {
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	SpamHeaders map[string]string `json:"spam_headers"`
}

func (s *Server) handleClassify(c *fiber.Ctx) error {
	request := classifyRequest{}
	err := c.BodyParser(&request)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result := s.classifier.Classify(&domain.MessageSummary{
		From:        request.From,
		Subject:     request.Subject,
		SpamHeaders: request.SpamHeaders,
	}, request.Body)

	return c.JSON(fiber.Map{
		"category":   result.Category,
		"confidence": result.Confidence,
	})
}

// fail maps the error taxonomy to status codes without leaking internals.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrCredentialNotFound):
		status = fiber.StatusNotFound
	case domain.IsAuthentication(err) || domain.IsTokenExpired(err):
		status = fiber.StatusUnauthorized
	case domain.IsUnsupportedOperation(err):
		status = fiber.StatusUnprocessableEntity
	case domain.IsConnection(err):
		status = fiber.StatusBadGateway
	case strings.Contains(err.Error(), "already exists"):
		status = fiber.StatusConflict
	}

	s.l.WithError(err).Warn("Request failed")
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
