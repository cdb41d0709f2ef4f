package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/middleware"
	"github.com/interviewace/backend/internal/models"
)

const testUserID int64 = 7

func chatCost() decimal.Decimal {
	return decimal.RequireFromString("1.00")
}

func newTestService(taskStore *MockTaskStore, billing *MockBilling, streamer Streamer, uploadDir string) *Service {
	return NewService(taskStore, billing, streamer, chatCost(), uploadDir, 0)
}

// authedRequest builds a request carrying the authenticated user and, when
// taskID is set, the chi route parameter.
func authedRequest(method, target, taskID string, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := middleware.WithUserID(req.Context(), testUserID)
	if taskID != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("taskID", taskID)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func TestSubmit(t *testing.T) {
	t.Run("reserves cost and registers task", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		billing.On("PreCharge", mock.Anything, testUserID, chatCost(), mock.AnythingOfType("string")).Return(nil)
		taskStore.On("Create", mock.Anything, mock.MatchedBy(func(task *models.Task) bool {
			return task.UserID == testUserID && task.ImageURL == "/static/uploads/q.png" && task.Language == "go"
		})).Return(nil)

		w := httptest.NewRecorder()
		svc.Submit(w, authedRequest(http.MethodPost, "/chat/submit", "",
			`{"image_url":"/static/uploads/q.png","programming_language":"go"}`))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["task_id"])
		assert.Equal(t, string(models.TaskPending), resp["status"])
		taskStore.AssertExpectations(t)
		billing.AssertExpectations(t)
	})

	t.Run("insufficient balance rejects before task creation", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		billing.On("PreCharge", mock.Anything, testUserID, chatCost(), mock.AnythingOfType("string")).
			Return(ledger.ErrInsufficientFunds)

		w := httptest.NewRecorder()
		svc.Submit(w, authedRequest(http.MethodPost, "/chat/submit", "",
			`{"image_url":"/static/uploads/q.png","programming_language":"go"}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		taskStore.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("registry failure refunds the reservation", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		billing.On("PreCharge", mock.Anything, testUserID, chatCost(), mock.AnythingOfType("string")).Return(nil)
		taskStore.On("Create", mock.Anything, mock.Anything).Return(assert.AnError)
		billing.On("RefundPreCharge", mock.Anything, testUserID, mock.AnythingOfType("string")).Return(nil)

		w := httptest.NewRecorder()
		svc.Submit(w, authedRequest(http.MethodPost, "/chat/submit", "",
			`{"image_url":"/static/uploads/q.png","programming_language":"go"}`))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		billing.AssertCalled(t, "RefundPreCharge", mock.Anything, testUserID, mock.AnythingOfType("string"))
	})

	t.Run("missing fields fail validation", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		w := httptest.NewRecorder()
		svc.Submit(w, authedRequest(http.MethodPost, "/chat/submit", "", `{"image_url":"/x.png"}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		billing.AssertNotCalled(t, "PreCharge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestStatus(t *testing.T) {
	t.Run("returns the caller's task", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		svc := newTestService(taskStore, new(MockBilling), &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskProcessing}, nil)

		w := httptest.NewRecorder()
		svc.Status(w, authedRequest(http.MethodGet, "/chat/status/t-1", "t-1", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		var task models.Task
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
		assert.Equal(t, models.TaskProcessing, task.Status)
	})

	t.Run("hides other users' tasks", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		svc := newTestService(taskStore, new(MockBilling), &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-2").
			Return(&models.Task{ID: "t-2", UserID: testUserID + 1, Status: models.TaskPending}, nil)

		w := httptest.NewRecorder()
		svc.Status(w, authedRequest(http.MethodGet, "/chat/status/t-2", "t-2", ""))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		svc := newTestService(taskStore, new(MockBilling), &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "gone").Return(nil, nil)

		w := httptest.NewRecorder()
		svc.Status(w, authedRequest(http.MethodGet, "/chat/status/gone", "gone", ""))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCancel(t *testing.T) {
	t.Run("pending task refunds here", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskPending}, nil)
		taskStore.On("Cancel", mock.Anything, "t-1").Return(true, nil)
		billing.On("RefundPreCharge", mock.Anything, testUserID, "t-1").Return(nil)

		w := httptest.NewRecorder()
		svc.Cancel(w, authedRequest(http.MethodPost, "/chat/cancel/t-1", "t-1", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		billing.AssertExpectations(t)
	})

	t.Run("processing task leaves settlement to the stream", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskProcessing}, nil)
		taskStore.On("Cancel", mock.Anything, "t-1").Return(true, nil)

		w := httptest.NewRecorder()
		svc.Cancel(w, authedRequest(http.MethodPost, "/chat/cancel/t-1", "t-1", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		billing.AssertNotCalled(t, "RefundPreCharge", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("completed task cannot be cancelled", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskCompleted}, nil)
		taskStore.On("Cancel", mock.Anything, "t-1").Return(false, nil)

		w := httptest.NewRecorder()
		svc.Cancel(w, authedRequest(http.MethodPost, "/chat/cancel/t-1", "t-1", ""))

		assert.Equal(t, http.StatusConflict, w.Code)
		billing.AssertNotCalled(t, "RefundPreCharge", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestStream(t *testing.T) {
	writeImage := func(t *testing.T, dir string) string {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, "q.png"), []byte("img-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}
		return "/static/uploads/q.png"
	}

	pendingTask := func(imageURL string) *models.Task {
		return &models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskPending, ImageURL: imageURL, Language: "python"}
	}

	t.Run("successful stream finalizes the charge", func(t *testing.T) {
		dir := t.TempDir()
		imageURL := writeImage(t, dir)

		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		streamer := &MockStreamer{Chunks: []string{"hello ", "world"}}
		svc := newTestService(taskStore, billing, streamer, dir)

		taskStore.On("Get", mock.Anything, "t-1").Return(pendingTask(imageURL), nil)
		taskStore.On("UpdateStatus", mock.Anything, "t-1", models.TaskProcessing, "").Return(true, nil)
		taskStore.On("UpdateStatus", mock.Anything, "t-1", models.TaskCompleted, "hello world").Return(true, nil)
		billing.On("FinalizeCharge", mock.Anything, testUserID, chatCost(), "t-1", mock.AnythingOfType("string")).
			Return(decimal.RequireFromString("9.00"), nil)

		w := httptest.NewRecorder()
		svc.Stream(w, authedRequest(http.MethodGet, "/chat/stream/t-1", "t-1", ""))

		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		body := w.Body.String()
		assert.Contains(t, body, "data: hello ")
		assert.Contains(t, body, "data: world")
		assert.Contains(t, body, "data: [DONE]")
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("img-bytes")), streamer.GotImage)
		assert.Contains(t, streamer.GotPrompt, "python")
		taskStore.AssertExpectations(t)
		billing.AssertExpectations(t)
		billing.AssertNotCalled(t, "RefundPreCharge", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("stream failure marks task failed and refunds", func(t *testing.T) {
		dir := t.TempDir()
		imageURL := writeImage(t, dir)

		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		streamer := &MockStreamer{Chunks: []string{"partial"}, Err: assert.AnError}
		svc := newTestService(taskStore, billing, streamer, dir)

		taskStore.On("Get", mock.Anything, "t-1").Return(pendingTask(imageURL), nil)
		taskStore.On("UpdateStatus", mock.Anything, "t-1", models.TaskProcessing, "").Return(true, nil)
		taskStore.On("SetError", mock.Anything, "t-1", assert.AnError.Error()).Return(true, nil)
		billing.On("RefundPreCharge", mock.Anything, testUserID, "t-1").Return(nil)

		w := httptest.NewRecorder()
		svc.Stream(w, authedRequest(http.MethodGet, "/chat/stream/t-1", "t-1", ""))

		taskStore.AssertExpectations(t)
		billing.AssertExpectations(t)
		billing.AssertNotCalled(t, "FinalizeCharge", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cancellation observed mid-stream refunds", func(t *testing.T) {
		dir := t.TempDir()
		imageURL := writeImage(t, dir)

		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		chunks := make([]string, cancelCheckInterval)
		for i := range chunks {
			chunks[i] = "x"
		}
		streamer := &MockStreamer{Chunks: chunks}
		svc := newTestService(taskStore, billing, streamer, dir)

		taskStore.On("Get", mock.Anything, "t-1").Return(pendingTask(imageURL), nil).Once()
		taskStore.On("UpdateStatus", mock.Anything, "t-1", models.TaskProcessing, "").Return(true, nil)
		// The poll after the eighth chunk sees the cancelled status.
		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskCancelled}, nil)
		billing.On("RefundPreCharge", mock.Anything, testUserID, "t-1").Return(nil)

		w := httptest.NewRecorder()
		svc.Stream(w, authedRequest(http.MethodGet, "/chat/stream/t-1", "t-1", ""))

		billing.AssertExpectations(t)
		billing.AssertNotCalled(t, "FinalizeCharge", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		taskStore.AssertNotCalled(t, "SetError", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing image settles as failure before streaming", func(t *testing.T) {
		dir := t.TempDir()

		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, dir)

		taskStore.On("Get", mock.Anything, "t-1").Return(pendingTask("/static/uploads/missing.png"), nil)
		taskStore.On("SetError", mock.Anything, "t-1", "source image unavailable").Return(true, nil)
		billing.On("RefundPreCharge", mock.Anything, testUserID, "t-1").Return(nil)

		w := httptest.NewRecorder()
		svc.Stream(w, authedRequest(http.MethodGet, "/chat/stream/t-1", "t-1", ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		taskStore.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		billing.AssertExpectations(t)
	})

	t.Run("already started task is rejected", func(t *testing.T) {
		taskStore := new(MockTaskStore)
		billing := new(MockBilling)
		svc := newTestService(taskStore, billing, &MockStreamer{}, t.TempDir())

		taskStore.On("Get", mock.Anything, "t-1").
			Return(&models.Task{ID: "t-1", UserID: testUserID, Status: models.TaskProcessing}, nil)

		w := httptest.NewRecorder()
		svc.Stream(w, authedRequest(http.MethodGet, "/chat/stream/t-1", "t-1", ""))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
