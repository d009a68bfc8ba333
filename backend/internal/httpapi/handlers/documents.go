package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/entity"
)

// SnapshotSource 由 collab.DocumentService 实现：内存副本优先，没有再读快照
type SnapshotSource interface {
	Snapshot(ctx context.Context, docID string) ([]byte, uint64, error)
}

// HistorySource 由 store.SnapshotStore 实现
type HistorySource interface {
	History(ctx context.Context, docID string, limit int) ([]entity.SnapshotHistory, error)
}

type DocumentHandler struct {
	docs    SnapshotSource
	history HistorySource
}

// NewDocumentHandler 的 history 可以为 nil（没有配置 mysql）
func NewDocumentHandler(docs SnapshotSource, history HistorySource) *DocumentHandler {
	return &DocumentHandler{docs: docs, history: history}
}

type snapshotResp struct {
	DocID   string `json:"docId"`
	Version uint64 `json:"version"`
	Empty   bool   `json:"empty"`
	// automerge Save 格式，JSON 里是 base64
	State []byte `json:"state,omitempty"`
}

type historyItem struct {
	Version   uint64 `json:"version"`
	Size      int    `json:"size"`
	CreatedAt string `json:"createdAt"`
}

// GetSnapshot GET /collab/documents/:docId/snapshot
func (h *DocumentHandler) GetSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	state, version, err := h.docs.Snapshot(c.Request.Context(), docID)
	if err != nil {
		log.Printf("get snapshot error (doc=%s): %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "SNAPSHOT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, snapshotResp{DocID: docID, Version: version, Empty: len(state) == 0, State: state})
}

// GetHistory GET /collab/documents/:docId/history?limit=20
func (h *DocumentHandler) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history store not configured"})
		return
	}
	docID := c.Param("docId")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	rows, err := h.history.History(c.Request.Context(), docID, limit)
	if err != nil {
		log.Printf("get history error (doc=%s): %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "HISTORY_FAILED"})
		return
	}
	items := make([]historyItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, historyItem{Version: r.Version, Size: len(r.State), CreatedAt: r.CreatedAt.Format(time.RFC3339)})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "items": items})
}
