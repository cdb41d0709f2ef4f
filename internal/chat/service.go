package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/middleware"
	"github.com/interviewace/backend/internal/models"
	"github.com/interviewace/backend/internal/services"
	"github.com/interviewace/backend/internal/tasks"
)

// TaskStore is the task-registry surface the chat flow consumes.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, result string) (bool, error)
	SetError(ctx context.Context, taskID string, message string) (bool, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// BillingService is the ledger surface the chat flow consumes: reserve
// before work, finalize or release after.
type BillingService interface {
	PreCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID string) error
	FinalizeCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID, description string) (decimal.Decimal, error)
	RefundPreCharge(ctx context.Context, userID int64, taskID string) error
}

// Streamer produces model output chunks for an image question.
type Streamer interface {
	Stream(ctx context.Context, base64Image, prompt string, emit func(chunk string) error) error
}

var errTaskCancelled = errors.New("task cancelled")

// cancelCheckInterval is how many emitted chunks pass between registry
// status polls while streaming.
const cancelCheckInterval = 8

// Service runs metered VLM chat tasks: every task reserves its cost before
// work starts and settles exactly once when it reaches a terminal status.
type Service struct {
	tasks     TaskStore
	billing   BillingService
	vlm       Streamer
	cost      decimal.Decimal
	uploadDir string
	throttle  time.Duration
	validator *validator.Validate
}

func NewService(taskStore TaskStore, billing BillingService, streamer Streamer, cost decimal.Decimal, uploadDir string, throttle time.Duration) *Service {
	return &Service{
		tasks:     taskStore,
		billing:   billing,
		vlm:       streamer,
		cost:      cost,
		uploadDir: uploadDir,
		throttle:  throttle,
		validator: validator.New(),
	}
}

// SubmitRequest is the task submission payload.
type SubmitRequest struct {
	ImageURL string `json:"image_url" validate:"required"`
	Language string `json:"programming_language" validate:"required,max=32"`
}

// Submit registers a chat task and reserves its cost.
// @Summary Submit a VLM chat task
// @Tags chat
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "Task data"
// @Success 200 {object} map[string]string
// @Failure 400 {object} services.ErrorResponse
// @Router /chat/submit [post]
func (s *Service) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitRequest
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	taskID := uuid.NewString()

	if err := s.billing.PreCharge(r.Context(), userID, s.cost, taskID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			services.SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
		case errors.Is(err, ledger.ErrAccountNotFound):
			services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		case errors.Is(err, ledger.ErrDuplicateTask):
			services.SendErrorResponse(w, "Task already exists", http.StatusConflict, nil)
		default:
			log.Printf("[CHAT] pre-charge failed: user=%d task=%s: %v", userID, taskID, err)
			services.SendErrorResponse(w, "Failed to reserve funds", http.StatusInternalServerError, nil)
		}
		return
	}

	task := &models.Task{
		ID:       taskID,
		UserID:   userID,
		ImageURL: req.ImageURL,
		Language: req.Language,
	}
	if err := s.tasks.Create(r.Context(), task); err != nil {
		// Compensate the reservation; the task never existed.
		if rErr := s.billing.RefundPreCharge(r.Context(), userID, taskID); rErr != nil && !errors.Is(rErr, ledger.ErrPreChargeNotFound) {
			log.Printf("[CHAT] compensating refund failed: task=%s: %v", taskID, rErr)
		}
		log.Printf("[CHAT] task create failed: user=%d task=%s: %v", userID, taskID, err)
		services.SendErrorResponse(w, "Failed to create task", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CHAT] task submitted: user=%d task=%s cost=%s", userID, taskID, s.cost)
	respond(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(models.TaskPending)})
}

// Status returns the current registry entry for the caller's task.
// @Summary Get task status
// @Tags chat
// @Produce json
// @Success 200 {object} models.Task
// @Failure 404 {object} services.ErrorResponse
// @Router /chat/status/{taskID} [get]
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, task)
}

// Cancel marks the task cancelled. An in-flight stream observes the status
// and stops; it is not preempted. If the task had not started, the
// reservation is released here since no stream will ever settle it.
// @Summary Cancel a task
// @Tags chat
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 409 {object} services.ErrorResponse
// @Router /chat/cancel/{taskID} [post]
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}

	wasPending := task.Status == models.TaskPending

	cancelled, err := s.tasks.Cancel(r.Context(), task.ID)
	if err != nil {
		log.Printf("[CHAT] cancel failed: task=%s: %v", task.ID, err)
		services.SendErrorResponse(w, "Failed to cancel task", http.StatusInternalServerError, nil)
		return
	}
	if !cancelled {
		services.SendErrorResponse(w, "Task cannot be cancelled", http.StatusConflict, nil)
		return
	}

	if wasPending {
		if err := s.billing.RefundPreCharge(r.Context(), task.UserID, task.ID); err != nil && !errors.Is(err, ledger.ErrPreChargeNotFound) {
			log.Printf("[CHAT] refund on cancel failed: task=%s: %v", task.ID, err)
		}
	}

	respond(w, http.StatusOK, map[string]string{"task_id": task.ID, "status": string(models.TaskCancelled)})
}

// Stream runs the task against the model and relays chunks to the client
// as server-sent events. On success the reservation is converted into the
// final debit; on failure or observed cancellation it is released. Either
// way the task reaches a terminal status exactly once.
// @Summary Stream task output
// @Tags chat
// @Produce text/event-stream
// @Router /chat/stream/{taskID} [get]
func (s *Service) Stream(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if task.Status != models.TaskPending {
		services.SendErrorResponse(w, "Task already started or finished", http.StatusConflict, nil)
		return
	}

	base64Image, err := s.loadImage(task.ImageURL)
	if err != nil {
		log.Printf("[CHAT] image load failed: task=%s: %v", task.ID, err)
		s.settleFailure(task, "source image unavailable")
		services.SendErrorResponse(w, "Source image unavailable", http.StatusBadRequest, nil)
		return
	}

	if _, err := s.tasks.UpdateStatus(r.Context(), task.ID, models.TaskProcessing, ""); err != nil {
		services.SendErrorResponse(w, "Failed to start task", http.StatusInternalServerError, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		services.SendErrorResponse(w, "Streaming unsupported", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var result strings.Builder
	chunks := 0

	streamErr := s.vlm.Stream(r.Context(), base64Image, buildPrompt(task.Language), func(chunk string) error {
		result.WriteString(chunk)
		fmt.Fprintf(w, "data: %s\n\n", sseEscape(chunk))
		flusher.Flush()

		// Cooperative throttle between chunks; not a correctness mechanism.
		if s.throttle > 0 {
			time.Sleep(s.throttle)
		}

		chunks++
		if chunks%cancelCheckInterval == 0 {
			current, err := s.tasks.Get(r.Context(), task.ID)
			if err == nil && current != nil && current.Status == models.TaskCancelled {
				return errTaskCancelled
			}
		}
		return nil
	})

	// Settlement uses a fresh context: the client may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case streamErr == nil:
		if _, err := s.tasks.UpdateStatus(ctx, task.ID, models.TaskCompleted, result.String()); err != nil {
			log.Printf("[CHAT] completion status update failed: task=%s: %v", task.ID, err)
		}
		if _, err := s.billing.FinalizeCharge(ctx, task.UserID, s.cost, task.ID,
			fmt.Sprintf("vlm chat %s", task.ID)); err != nil {
			log.Printf("[CHAT] finalize failed: task=%s: %v", task.ID, err)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()

	case errors.Is(streamErr, errTaskCancelled):
		log.Printf("[CHAT] task cancelled mid-stream: task=%s", task.ID)
		s.refund(ctx, task)

	default:
		log.Printf("[CHAT] stream failed: task=%s: %v", task.ID, streamErr)
		if _, err := s.tasks.SetError(ctx, task.ID, streamErr.Error()); err != nil {
			log.Printf("[CHAT] failure status update failed: task=%s: %v", task.ID, err)
		}
		s.refund(ctx, task)
	}
}

// settleFailure marks the task failed and releases its reservation, for
// failures before streaming starts.
func (s *Service) settleFailure(task *models.Task, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.tasks.SetError(ctx, task.ID, message); err != nil {
		log.Printf("[CHAT] failure status update failed: task=%s: %v", task.ID, err)
	}
	s.refund(ctx, task)
}

func (s *Service) refund(ctx context.Context, task *models.Task) {
	err := s.billing.RefundPreCharge(ctx, task.UserID, task.ID)
	if err != nil && !errors.Is(err, ledger.ErrPreChargeNotFound) {
		log.Printf("[CHAT] refund failed: task=%s: %v", task.ID, err)
	}
}

// ownedTask loads the task in the route and enforces ownership.
func (s *Service) ownedTask(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}

	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		log.Printf("[CHAT] task lookup failed: task=%s: %v", taskID, err)
		services.SendErrorResponse(w, "Failed to load task", http.StatusInternalServerError, nil)
		return nil, false
	}
	if task == nil {
		services.SendErrorResponse(w, "Task not found", http.StatusNotFound, nil)
		return nil, false
	}
	if task.UserID != userID {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return nil, false
	}
	return task, true
}

func (s *Service) loadImage(imageURL string) (string, error) {
	path := filepath.Join(s.uploadDir, filepath.Base(filepath.Clean(imageURL)))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func buildPrompt(language string) string {
	return fmt.Sprintf(`This is an algorithm problem. Read the image carefully and understand the question or task it contains. Solve it in %s.
1. First restate the problem to confirm understanding.
2. Explain the solution approach.
3. Give the full solution or code.
4. For coding problems, explain the code logic.`, language)
}

func sseEscape(chunk string) string {
	return strings.ReplaceAll(chunk, "\n", "\ndata: ")
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Ensure the concrete registry satisfies the consumed surface.
var _ TaskStore = (*tasks.Registry)(nil)
var _ BillingService = (*ledger.Service)(nil)
