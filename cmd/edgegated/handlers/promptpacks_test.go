package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/edgegate/edgegate/cmd/edgegated/handlers"
	"github.com/edgegate/edgegate/pkg/domain"
)

// versionedPacks keeps published-version immutability the way the
// database does: an existing (logical_id, version) key conflicts.
type versionedPacks struct {
	packs map[string]domain.PromptPack
}

func (f *versionedPacks) key(workspaceId, logicalId, version string) string {
	return workspaceId + "/" + logicalId + "@" + version
}

func (f *versionedPacks) Put(_ context.Context, pp domain.PromptPack) error {
	k := f.key(pp.WorkspaceId, pp.LogicalId, pp.Version)
	if _, ok := f.packs[k]; ok {
		return domain.ErrConflict
	}
	f.packs[k] = pp
	return nil
}

func (f *versionedPacks) Publish(_ context.Context, workspaceId, logicalId, version string) error {
	k := f.key(workspaceId, logicalId, version)
	pp, ok := f.packs[k]
	if !ok {
		return domain.ErrMissing
	}
	pp.Published = true
	f.packs[k] = pp
	return nil
}

func (f *versionedPacks) Get(_ context.Context, workspaceId, logicalId, version string) (domain.PromptPack, error) {
	pp, ok := f.packs[f.key(workspaceId, logicalId, version)]
	if !ok {
		return domain.PromptPack{}, domain.ErrMissing
	}
	return pp, nil
}

// uploadVia drives the handler through a bearer-less context with the
// identity pre-set, the way the middleware would.
func uploadVia(t *testing.T, packs *versionedPacks, body any) *httptest.ResponseRecorder {
	t.Helper()

	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/promptpacks", bytes.NewReader(encoded))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("workspace")
	c.SetParamValues("ws-1")
	handlers.SetIdentity(c, domain.Identity{
		WorkspaceId: "ws-1", Actor: "admin@example.com", Role: domain.RoleAdmin,
	})

	if err := handlers.UploadPromptPackHandler(packs, nil)(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func cases(n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]any{
			"case_id":     string(rune('a' + i%26)),
			"prompt":      "say hi",
			"expectation": "none",
		})
	}
	return out
}

func TestUploadPromptPack(t *testing.T) {
	packs := &versionedPacks{packs: map[string]domain.PromptPack{}}

	body := map[string]any{
		"logical_id": "pp-1",
		"version":    "1.0.0",
		"content":    map[string]any{"cases": cases(3)},
	}

	if rec := uploadVia(t, packs, body); rec.Code != http.StatusCreated {
		t.Fatalf("first upload: actual=%d body=%s", rec.Code, rec.Body)
	}

	// the version triple is write-once: same content or not, resubmits
	// conflict; a new version succeeds.
	if rec := uploadVia(t, packs, body); rec.Code != http.StatusConflict {
		t.Fatalf("resubmit: actual=%d, expect 409", rec.Code)
	}

	next := map[string]any{
		"logical_id": "pp-1",
		"version":    "1.0.1",
		"content":    map[string]any{"cases": cases(3)},
	}
	if rec := uploadVia(t, packs, next); rec.Code != http.StatusCreated {
		t.Fatalf("next version: actual=%d body=%s", rec.Code, rec.Body)
	}
}

func TestUploadPromptPackCaseLimit(t *testing.T) {
	packs := &versionedPacks{packs: map[string]domain.PromptPack{}}

	atLimit := map[string]any{
		"logical_id": "pp-big",
		"version":    "1.0.0",
		"content":    map[string]any{"cases": cases(domain.MaxPromptCases)},
	}
	if rec := uploadVia(t, packs, atLimit); rec.Code != http.StatusCreated {
		t.Fatalf("50 cases: actual=%d body=%s", rec.Code, rec.Body)
	}

	overLimit := map[string]any{
		"logical_id": "pp-bigger",
		"version":    "1.0.0",
		"content":    map[string]any{"cases": cases(domain.MaxPromptCases + 1)},
	}
	rec := uploadVia(t, packs, overLimit)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("51 cases: actual=%d, expect 400", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(string(domain.ErrcodeLimitExceeded))) {
		t.Errorf("response should carry LIMIT_EXCEEDED: %s", rec.Body)
	}
}
