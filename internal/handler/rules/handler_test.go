package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/assistant"
	chatService "github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	rulesService "github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
)

func setupRouter() *chi.Mux {
	a := assistant.New(assistant.Options{
		Rules:    rulesService.NewStore(rulesService.Options{}),
		Sessions: chatService.NewService(chatService.Options{}),
	})
	r := chi.NewRouter()
	New(a).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeRules(t *testing.T, resp *httptest.ResponseRecorder) rulesResponse {
	t.Helper()
	var out rulesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestListRulesReturnsEmbeddedSet(t *testing.T) {
	r := setupRouter()
	resp := do(r, http.MethodGet, "/rules", "")

	require.Equal(t, http.StatusOK, resp.Code)
	out := decodeRules(t, resp)
	assert.Equal(t, rule.SourceEmbedded, out.Source)
	assert.Len(t, out.Rules, len(rule.Seed()))
}

func TestReplaceAndResetRules(t *testing.T) {
	r := setupRouter()

	resp := do(r, http.MethodPut, "/rules", `{"rules":[
		{"match":"*","type":"text","value":"fallback"},
		{"match":"Pricing","type":"text","value":"Free.","priority":1}
	]}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	out := decodeRules(t, resp)
	assert.Equal(t, rule.SourceOverride, out.Source)
	require.Len(t, out.Rules, 2)
	assert.Equal(t, "Free.", out.Rules[0].Value)

	resp = do(r, http.MethodGet, "/rules/source", "")
	assert.JSONEq(t, `{"source":"override"}`, resp.Body.String())

	resp = do(r, http.MethodDelete, "/rules/override", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, rule.SourceEmbedded, decodeRules(t, resp).Source)
}

func TestReplaceRejectsMalformedRules(t *testing.T) {
	r := setupRouter()

	cases := map[string]int{
		`{"rules":[]}`:                           http.StatusUnprocessableEntity,
		`{"rules":[{"match":"x","type":"gif"}]}`: http.StatusUnprocessableEntity,
		`{"rules":`:                              http.StatusBadRequest,
		``:                                       http.StatusBadRequest,
	}
	for body, want := range cases {
		resp := do(r, http.MethodPut, "/rules", body)
		if resp.Code != want {
			t.Fatalf("body %q: expected %d, got %d", body, want, resp.Code)
		}
	}

	assert.Equal(t, rule.SourceEmbedded, decodeRules(t, do(r, http.MethodGet, "/rules", "")).Source)
}

func TestMatch(t *testing.T) {
	r := setupRouter()

	resp := do(r, http.MethodPost, "/match", `{"input":"  what CAN you do?  "}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var out matchResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out.Matched)
	require.NotNil(t, out.Rule)
	assert.Equal(t, "What can you do?", out.Rule.Match.String())
	assert.Equal(t, out.Rule.Value, out.Response.Value)

	resp = do(r, http.MethodPost, "/match", `{"input":"   "}`)
	require.Equal(t, http.StatusOK, resp.Code)
	out = matchResponse{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.False(t, out.Matched)
	assert.NotEmpty(t, out.Response.Value)

	resp = do(r, http.MethodPost, "/match", `{"input":"hi","modality":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

// countingService records how often the match endpoint evaluates input.
type countingService struct {
	Service
	evaluations int
}

func (c *countingService) Evaluate(ctx context.Context, input string, modality rule.ResponseType) assistant.Evaluation {
	c.evaluations++
	return c.Service.Evaluate(ctx, input, modality)
}

func TestMatchEvaluatesOnce(t *testing.T) {
	svc := &countingService{Service: assistant.New(assistant.Options{
		Rules:    rulesService.NewStore(rulesService.Options{}),
		Sessions: chatService.NewService(chatService.Options{}),
	})}
	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)

	resp := do(r, http.MethodPost, "/match", `{"input":"Can you help with technical issues?","modality":"image"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, svc.evaluations)

	var out matchResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.NotNil(t, out.Rule)
	assert.Equal(t, rule.TypeText, out.Rule.Type)
	assert.Equal(t, rule.TypeImage, out.Response.Type)
	assert.Equal(t, "images/demo.png", out.Response.Value)
}

func TestReloadRules(t *testing.T) {
	r := setupRouter()
	resp := do(r, http.MethodPost, "/rules/reload", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, rule.SourceEmbedded, decodeRules(t, resp).Source)
}
