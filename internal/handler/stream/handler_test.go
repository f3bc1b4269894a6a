package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	aiService "github.com/zhouzirui/canned-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	chatService "github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
)

func setupRouter(t *testing.T, notices *rulesync.Notices) (*chi.Mux, *chatService.Service) {
	t.Helper()
	ctx := context.Background()
	sessions := chatService.NewService(chatService.Options{})
	a := assistant.New(assistant.Options{
		Rules:    rules.NewStore(rules.Options{}),
		Sessions: sessions,
	})
	aiSvc, err := aiService.NewService(ctx, aiService.NewChatModel(a, nil))
	require.NoError(t, err)

	r := chi.NewRouter()
	New(aiSvc, sessions, notices, nil).RegisterRoutes(r)
	return r, sessions
}

func TestStreamRecordsBothSides(t *testing.T) {
	r, sessions := setupRouter(t, nil)
	ctx := context.Background()
	id, err := sessions.CreateSession(ctx, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/stream/"+id+"?message=What+can+you+do%3F", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	body := resp.Body.String()
	for _, event := range []string{"event: start", "event: delta", "event: message", "event: end"} {
		assert.Contains(t, body, event)
	}

	session, err := sessions.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, chat.MessageAssistant, session.Messages[1].Type)
	assert.Equal(t, rule.Seed()[1].Value, session.Messages[1].Content)
	assert.Equal(t, rule.Seed()[1].Followup, session.Messages[1].Followup)
}

func TestStreamValidatesRequest(t *testing.T) {
	r, _ := setupRouter(t, nil)

	cases := map[string]int{
		"/stream/missing?message=hi":                 http.StatusNotFound,
		"/stream/missing":                            http.StatusBadRequest,
		"/stream/missing?message=hi&modality=video": http.StatusBadRequest,
	}
	for target, want := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", target, want, resp.Code)
		}
	}
}

func TestEventsPushesNotices(t *testing.T) {
	notices := rulesync.NewNotices()
	r, _ := setupRouter(t, notices)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	readEvent := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
				return name
			}
		}
		return ""
	}

	require.Equal(t, "status", readEvent())
	notices.Emit(rulesync.Notice{Kind: rulesync.NoticeRulesUpdated, Message: "Response rules were updated."})
	assert.Equal(t, rulesync.NoticeRulesUpdated, readEvent())
}

func TestEventsUnavailableWithoutNotices(t *testing.T) {
	r, _ := setupRouter(t, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
