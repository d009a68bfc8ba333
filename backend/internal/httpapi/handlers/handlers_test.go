package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/entity"
	"collabEngine/backend/internal/wire"
)

type fakeDocs map[string][]byte

func (f fakeDocs) Snapshot(_ context.Context, docID string) ([]byte, uint64, error) {
	if docID == "broken" {
		return nil, 0, errors.New("boom")
	}
	return f[docID], uint64(len(f[docID])), nil
}

type fakeHistory []entity.SnapshotHistory

func (f fakeHistory) History(_ context.Context, docID string, limit int) ([]entity.SnapshotHistory, error) {
	if limit < len(f) {
		return f[:limit], nil
	}
	return f, nil
}

func router(h *DocumentHandler, p *PresenceHandler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set("userId", userID)
		}
		c.Next()
	})
	r.GET("/collab/healthz", Healthz)
	r.GET("/collab/documents/:docId/snapshot", h.GetSnapshot)
	r.GET("/collab/documents/:docId/history", h.GetHistory)
	r.GET("/collab/presence", p.ListOnline)
	r.GET("/collab/follow/followers", p.ListFollowers)
	return r
}

func get(r http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestDocumentHandler(t *testing.T) {
	mem := cache.NewMemory()
	h := NewDocumentHandler(fakeDocs{"d1": []byte{1, 2, 3}}, fakeHistory{
		{DocID: "d1", Version: 3, State: []byte{1, 2, 3}, CreatedAt: time.Unix(1_700_000_000, 0).UTC()},
		{DocID: "d1", Version: 2, State: []byte{1, 2}, CreatedAt: time.Unix(1_699_999_000, 0).UTC()},
	})
	r := router(h, NewPresenceHandler(mem, mem), "u-alice")

	w := get(r, "/collab/documents/d1/snapshot")
	assert.Equal(t, w.Code, http.StatusOK)
	var snap snapshotResp
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, snap.Version, uint64(3))
	assert.Equal(t, snap.State, []byte{1, 2, 3})
	assert.Equal(t, snap.Empty, false)

	w = get(r, "/collab/documents/nothing/snapshot")
	assert.Equal(t, w.Code, http.StatusOK)
	snap = snapshotResp{}
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	assert.Equal(t, snap.Empty, true)

	assert.Equal(t, get(r, "/collab/documents/broken/snapshot").Code, http.StatusInternalServerError)

	w = get(r, "/collab/documents/d1/history?limit=1")
	assert.Equal(t, w.Code, http.StatusOK)
	var hist struct {
		Items []historyItem `json:"items"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	assert.Equal(t, len(hist.Items), 1)
	assert.Equal(t, hist.Items[0].Version, uint64(3))
	assert.Equal(t, get(r, "/collab/documents/d1/history?limit=x").Code, http.StatusBadRequest)

	noHist := router(NewDocumentHandler(fakeDocs{}, nil), NewPresenceHandler(mem, mem), "u-alice")
	assert.Equal(t, get(noHist, "/collab/documents/d1/history").Code, http.StatusNotImplemented)
	assert.Equal(t, get(noHist, "/collab/healthz").Code, http.StatusOK)
}

func TestPresenceHandler(t *testing.T) {
	mem := cache.NewMemory()
	ctx := context.Background()
	_ = mem.Touch(ctx, wire.PresenceRecord{UserID: "u-bob", Username: "bob", OnlineAt: 1}, time.Minute)
	_, _ = mem.Follow(ctx, "u-bob", "u-alice")

	r := router(NewDocumentHandler(fakeDocs{}, nil), NewPresenceHandler(mem, mem), "u-alice")
	w := get(r, "/collab/presence")
	assert.Equal(t, w.Code, http.StatusOK)
	var sync wire.PresenceSync
	_ = json.Unmarshal(w.Body.Bytes(), &sync)
	assert.Equal(t, len(sync.Users), 1)
	assert.Equal(t, sync.Users[0].Username, "bob")

	w = get(r, "/collab/follow/followers")
	assert.Equal(t, w.Code, http.StatusOK)
	var f struct {
		Followers []string `json:"followers"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &f)
	assert.Equal(t, f.Followers, []string{"u-bob"})

	anon := router(NewDocumentHandler(fakeDocs{}, nil), NewPresenceHandler(mem, mem), "")
	assert.Equal(t, get(anon, "/collab/follow/followers").Code, http.StatusUnauthorized)
}
