// SPDX-License-Identifier: GPL-3.0-or-later
package restconnection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CrawX/go-mail-warden/domain"
)

func newGraphTestConnection(serverUrl string) *GraphConnection {
	account := &domain.Account{
		AccountId:    "graph-test",
		Provider:     domain.ProviderHotmail,
		AuthType:     domain.AuthOAuth2,
		EmailAddress: "someone@hotmail.com",
	}
	conn := NewGraphConnection(account, &fakeTokenSource{token: "tok"})
	conn.baseUrl = serverUrl
	return conn
}

func TestGraphConnection_ForEachMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mailFolders/inbox":
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "inbox", DisplayName: "Inbox"})
		case "/mailFolders/inbox/messages":
			_ = json.NewEncoder(w).Encode(graphMessageList{Value: []graphMessage{{
				Id:               "AAMk1",
				Subject:          "quarterly report",
				From:             graphRecipient{EmailAddress: graphEmailAddress{Name: "Boss", Address: "boss@corp.example"}},
				ReceivedDateTime: "2026-08-01T10:30:00Z",
				InternetMessageHeaders: []graphInternetHeader{
					{Name: "X-Spam-Status", Value: "No, score=1.2"},
					{Name: "X-Unrelated", Value: "ignored"},
				},
			}}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	conn := newGraphTestConnection(server.URL)
	summaries := []*domain.MessageSummary{}
	err := conn.ForEachMessage(context.Background(), "Inbox", func(summary *domain.MessageSummary) error {
		summaries = append(summaries, summary)
		return nil
	})

	assert.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, "AAMk1", summaries[0].Uid)
	assert.Equal(t, "Boss <boss@corp.example>", summaries[0].From)
	assert.Equal(t, "quarterly report", summaries[0].Subject)
	assert.Equal(t, "No, score=1.2", summaries[0].SpamHeaders["X-Spam-Status"])
	assert.NotContains(t, summaries[0].SpamHeaders, "X-Unrelated")
	assert.Equal(t, 2026, summaries[0].Date.Year())
}

func TestGraphConnection_DeleteMovesToDeletedItems(t *testing.T) {
	destinations := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mailFolders/inbox":
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "inbox"})
		case "/messages/AAMk1/move":
			body := map[string]string{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			destinations = append(destinations, body["destinationId"])
			_ = json.NewEncoder(w).Encode(graphMessage{Id: "AAMk1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	conn := newGraphTestConnection(server.URL)
	err := conn.Delete(context.Background(), []string{"AAMk1"}, "Inbox")

	assert.NoError(t, err)
	assert.Equal(t, []string{"deleteditems"}, destinations)
}

func TestGraphConnection_EnsureFolderCreatesMissing(t *testing.T) {
	created := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mailFolders/inbox":
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "inbox"})
		case r.URL.Path == "/mailFolders" && r.Method == "GET":
			_ = json.NewEncoder(w).Encode(graphFolderList{Value: []graphFolder{{Id: "f1", DisplayName: "Inbox"}}})
		case r.URL.Path == "/mailFolders" && r.Method == "POST":
			body := map[string]string{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			created = append(created, body["displayName"])
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "f2", DisplayName: body["displayName"]})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	conn := newGraphTestConnection(server.URL)
	assert.NoError(t, conn.EnsureFolder(context.Background(), "Promotions"))
	assert.Equal(t, []string{"Promotions"}, created)

	// Created folder is cached, ensure is now a no-op
	assert.NoError(t, conn.EnsureFolder(context.Background(), "Promotions"))
	assert.Equal(t, []string{"Promotions"}, created)
}

func TestGraphConnection_EnsureFolderSkipsWellKnown(t *testing.T) {
	created := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mailFolders/inbox":
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "inbox"})
		case r.URL.Path == "/mailFolders" && r.Method == "GET":
			_ = json.NewEncoder(w).Encode(graphFolderList{Value: []graphFolder{{Id: "f1", DisplayName: "Junk Email"}}})
		case r.URL.Path == "/mailFolders" && r.Method == "POST":
			body := map[string]string{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			created = append(created, body["displayName"])
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "f2", DisplayName: body["displayName"]})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	conn := newGraphTestConnection(server.URL)

	// "Spam" maps to the well-known junkemail folder, which always exists.
	// Creating a same-named folder would leave it orphaned since moves
	// resolve to the well-known id.
	assert.NoError(t, conn.EnsureFolder(context.Background(), "Spam"))
	assert.Empty(t, created)

	id, err := conn.folderId(context.Background(), "Spam")
	assert.NoError(t, err)
	assert.Equal(t, "junkemail", id)
}

func TestGraphConnection_SendBuildsGraphMessage(t *testing.T) {
	var sent map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mailFolders/inbox":
			_ = json.NewEncoder(w).Encode(graphFolder{Id: "inbox"})
		case "/sendMail":
			_ = json.NewDecoder(r.Body).Decode(&sent)
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	conn := newGraphTestConnection(server.URL)
	err := conn.Send(context.Background(), &domain.OutgoingMessage{
		To:      []string{"other@example.com"},
		Subject: "test mail",
		Body:    "plain text",
	})

	assert.NoError(t, err)
	message := sent["message"].(map[string]interface{})
	assert.Equal(t, "test mail", message["subject"])
	assert.Equal(t, true, sent["saveToSentItems"])
}
