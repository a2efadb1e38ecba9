package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/envelope/internal/crypto"
	"github.com/ignite/envelope/internal/discovery"
	"github.com/ignite/envelope/internal/imapclient"
	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
	"github.com/ignite/envelope/internal/worker"
)

type scriptedClient struct {
	sendErr error
	noopErr error
	sends   int
}

func (c *scriptedClient) Send(from, to string, raw []byte) error {
	c.sends++
	return c.sendErr
}
func (c *scriptedClient) Noop() error  { return c.noopErr }
func (c *scriptedClient) Close() error { return nil }

type apiHarness struct {
	store    *store.Store
	client   *scriptedClient
	pool     *smtp.Pool
	handlers *Handlers
	router   http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), box)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := &scriptedClient{}
	pool := smtp.NewPool(func(host string, port int, u, p string) (smtp.SubmissionClient, error) {
		return client, nil
	}, smtp.PoolConfig{MaxPerAccount: 2}, zerolog.Nop())
	t.Cleanup(pool.Close)

	sender := &worker.Sender{Store: st, Pool: pool, Log: zerolog.Nop()}
	sendWorker := worker.NewSendWorker(sender, st, zerolog.Nop())
	scheduler := worker.NewDraftScheduler(st, sendWorker, zerolog.Nop())
	h := NewHandlers(st, sender, sendWorker, scheduler, pool, discovery.New(zerolog.Nop()), zerolog.Nop())

	return &apiHarness{
		store:    st,
		client:   client,
		pool:     pool,
		handlers: h,
		router:   SetupRoutes(h),
	}
}

func (h *apiHarness) account(t *testing.T, rateLimit *int) *store.Account {
	t.Helper()
	acct, err := h.store.CreateAccount(store.NewAccount{
		Name:             "primary",
		SMTPHost:         "smtp.example.com",
		SMTPPort:         587,
		IMAPHost:         "imap.example.com",
		IMAPPort:         993,
		Username:         "sender@example.com",
		Password:         "secret",
		RateLimitPerHour: rateLimit,
	})
	require.NoError(t, err)
	return acct
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestSendSync(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)

	rec := h.do(t, http.MethodPost, "/api/send", map[string]interface{}{
		"account_id":   acct.ID,
		"to":           "rcpt@example.org",
		"subject":      "hello",
		"text_content": "body",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "sent", body["status"])
	assert.NotEmpty(t, body["message_id"])
	assert.Equal(t, 1, h.client.sends)

	msgs, err := h.store.ListMessages(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
	assert.NotNil(t, msgs[0].SentAt)
}

func TestSendSyncRecipientRejected(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	h.client.sendErr = &smtp.SendError{Kind: smtp.KindRecipient, Message: "550 no such user"}

	rec := h.do(t, http.MethodPost, "/api/send", map[string]interface{}{
		"account_id": acct.ID,
		"to":         "nobody@example.org",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, smtp.KindRecipient, body["error"])

	// The failure is persisted and retrievable.
	msgs, err := h.store.ListMessages(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusFailed, msgs[0].Status)

	rec = h.do(t, http.MethodGet, "/api/messages/"+msgs[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Contains(t, got["error"], "550 no such user")
}

func TestSendAsyncQueues(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)

	rec := h.do(t, http.MethodPost, "/api/send", map[string]interface{}{
		"account_id": acct.ID,
		"to":         "rcpt@example.org",
		"wait":       false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])
	assert.Equal(t, 0, h.client.sends)

	msgs, err := h.store.ListMessages(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusQueued, msgs[0].Status)
}

func TestSendRateLimited(t *testing.T) {
	h := newAPIHarness(t)
	limit := 2
	acct := h.account(t, &limit)

	body := map[string]interface{}{
		"account_id": acct.ID,
		"to":         "rcpt@example.org",
		"wait":       false,
	}
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/send", body).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/send", body).Code)

	rec := h.do(t, http.MethodPost, "/api/send", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "rate_limit_exceeded", got["error"])
	assert.Equal(t, float64(2), got["limit"])
}

func TestSendValidation(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)

	rec := h.do(t, http.MethodPost, "/api/send", map[string]interface{}{"account_id": acct.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/send", map[string]interface{}{
		"account_id": "missing", "to": "x@example.org",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessageNotFound(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "messages")
	assert.Contains(t, body, "worker")
	assert.Contains(t, body, "pool")
}

func TestAccountLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/accounts/", map[string]interface{}{
		"name":      "ops",
		"smtp_host": "smtp.example.com",
		"smtp_port": 587,
		"imap_host": "imap.example.com",
		"imap_port": 993,
		"username":  "ops@example.com",
		"password":  "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = h.do(t, http.MethodPut, "/api/accounts/"+id, map[string]interface{}{
		"display_name": "Operations",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Operations", decodeBody(t, rec)["display_name"])

	rec = h.do(t, http.MethodGet, "/api/accounts/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	assert.Len(t, accounts, 1)

	rec = h.do(t, http.MethodDelete, "/api/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/accounts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountCreateValidation(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/accounts/", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestVerifyAccount(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	require.Nil(t, acct.VerifiedAt)

	rec := h.do(t, http.MethodPost, "/api/accounts/"+acct.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decodeBody(t, rec)["verified_at"])
}

func TestDraftApproveAndRelease(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	subject := "proposal"
	text := "draft text"
	d, err := h.store.CreateDraft(store.NewDraft{
		AccountID:   acct.ID,
		ToAddr:      "rcpt@example.org",
		Subject:     &subject,
		TextContent: &text,
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/drafts/"+d.ID+"/approve", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, store.DraftStatusSent, decodeBody(t, rec)["status"])

	// The release enqueued an outbound copy.
	msgs, err := h.store.ListMessages(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusQueued, msgs[0].Status)
	assert.Equal(t, "rcpt@example.org", msgs[0].ToAddr)

	// A released draft is immutable.
	rec = h.do(t, http.MethodPut, "/api/drafts/"+d.ID, map[string]interface{}{
		"text_content": "edited",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/drafts/"+d.ID+"/discard", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDraftDiscard(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	d, err := h.store.CreateDraft(store.NewDraft{AccountID: acct.ID, ToAddr: "x@example.org"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/drafts/"+d.ID+"/discard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := h.store.GetDraft(d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DraftStatusDiscarded, got.Status)
}

func TestDraftSnooze(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	d, err := h.store.CreateDraft(store.NewDraft{AccountID: acct.ID, ToAddr: "x@example.org"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/drafts/"+d.ID+"/snooze", map[string]interface{}{
		"snoozed_until": "2099-01-01T00:00:00.000Z",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/drafts/?account_id="+acct.ID+"&hide_snoozed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drafts []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drafts))
	assert.Empty(t, drafts)
}

type fakeAPIBox struct {
	folders []string
	msgs    []*imapclient.InboundMessage
	err     error
}

func (f *fakeAPIBox) ListFolders() ([]string, error) { return f.folders, f.err }
func (f *fakeAPIBox) Search(folder string, q imapclient.SearchQuery) ([]*imapclient.InboundMessage, error) {
	return f.msgs, f.err
}
func (f *fakeAPIBox) FetchMessage(folder string, uid uint32) (*imapclient.InboundMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs[0], nil
}
func (f *fakeAPIBox) GetThread(folder, messageID string) ([]*imapclient.InboundMessage, error) {
	return f.msgs, f.err
}

func TestInboxEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	box := &fakeAPIBox{
		folders: []string{"INBOX", "Sent"},
		msgs: []*imapclient.InboundMessage{
			{UID: 7, Folder: "INBOX", MessageID: "<a@x>", Subject: "hi"},
		},
	}
	h.handlers.SetMailboxFactory(func(accountID string) (Mailbox, error) {
		assert.Equal(t, acct.ID, accountID)
		return box, nil
	})

	rec := h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/folders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sent")

	rec = h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/search?unseen=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<a@x>")

	rec = h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/messages/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/thread?message_id=%3Ca@x%3E", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInboxErrorsMapTo502(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	h.handlers.SetMailboxFactory(func(accountID string) (Mailbox, error) {
		return &fakeAPIBox{err: &imapclient.Error{Kind: "imap_error", Message: "select failed"}}, nil
	})

	rec := h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/folders", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInboxUnconfigured(t *testing.T) {
	h := newAPIHarness(t)
	acct := h.account(t, nil)
	rec := h.do(t, http.MethodGet, "/api/accounts/"+acct.ID+"/inbox/folders", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgentDisabled(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/agent/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["enabled"])

	rec = h.do(t, http.MethodPost, "/api/agent/poll", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiscoverRequiresEmail(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/accounts/discover", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDiscoverStreamInvalidEmail(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/accounts/discover/stream?email=not-an-address", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: complete")
	assert.Contains(t, rec.Body.String(), "invalid email")
}
