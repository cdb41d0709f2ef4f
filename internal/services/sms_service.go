package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/config"
	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/models"
)

// SMSProvider delivers a login code to a phone number. Real delivery is an
// external collaborator; tests and local development use a logging stub.
type SMSProvider interface {
	SendCode(ctx context.Context, phoneNumber, code string) error
}

// LogProvider writes codes to the application log instead of sending SMS.
type LogProvider struct{}

func (LogProvider) SendCode(_ context.Context, phoneNumber, code string) error {
	log.Printf("[SMS] Code for %s: %s", phoneNumber, code)
	return nil
}

type SMSService struct {
	db              *sql.DB
	redis           *redis.Client
	ledger          *ledger.Store
	provider        SMSProvider
	cfg             *config.SMSConfig
	startingBalance decimal.Decimal
	validator       *validator.Validate
}

// SendCodeRequest represents the code delivery request payload
// @Description SMS code request structure
type SendCodeRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,e164" example:"+8613912345678"` // Phone number in E.164 form
}

// VerifyCodeRequest represents the code verification request payload
// @Description SMS code verification structure
type VerifyCodeRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,e164" example:"+8613912345678"` // Phone number in E.164 form
	Code        string `json:"code" validate:"required,numeric" example:"482913"`             // Code received by SMS
}

func NewSMSService(db *sql.DB, redisClient *redis.Client, ledgerStore *ledger.Store, provider SMSProvider, cfg *config.SMSConfig, startingBalance decimal.Decimal) *SMSService {
	return &SMSService{
		db:              db,
		redis:           redisClient,
		ledger:          ledgerStore,
		provider:        provider,
		cfg:             cfg,
		startingBalance: startingBalance,
		validator:       validator.New(),
	}
}

func codeKey(phoneNumber string) string {
	return fmt.Sprintf("sms:code:%s", phoneNumber)
}

func rateKey(phoneNumber string) string {
	return fmt.Sprintf("sms:rate:%s", phoneNumber)
}

// SendCode generates a login code and hands it to the provider
// @Summary Send SMS login code
// @Description Generate a short-lived login code and deliver it by SMS
// @Tags auth
// @Accept json
// @Produce json
// @Param request body SendCodeRequest true "Code request"
// @Success 200 {object} map[string]string "Code sent"
// @Failure 400 {string} string "Invalid request"
// @Failure 429 {string} string "Too many requests"
// @Router /auth/sms/send [post]
func (s *SMSService) SendCode(w http.ResponseWriter, r *http.Request) {
	var req SendCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()

	sends, err := s.redis.Incr(ctx, rateKey(req.PhoneNumber)).Result()
	if err != nil {
		log.Printf("[SMS] Rate counter failed for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Failed to send code", http.StatusInternalServerError, nil)
		return
	}
	if sends == 1 {
		s.redis.Expire(ctx, rateKey(req.PhoneNumber), s.cfg.RateLimitWindow)
	}
	if sends > int64(s.cfg.MaxSendsPerHour) {
		log.Printf("[SMS] Rate limit hit for %s", req.PhoneNumber)
		SendErrorResponse(w, "Too many code requests, try again later", http.StatusTooManyRequests, nil)
		return
	}

	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		SendErrorResponse(w, "Failed to send code", http.StatusInternalServerError, nil)
		return
	}

	if err := s.redis.Set(ctx, codeKey(req.PhoneNumber), code, s.cfg.CodeTTL).Err(); err != nil {
		log.Printf("[SMS] Failed to store code for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Failed to send code", http.StatusInternalServerError, nil)
		return
	}

	if err := s.provider.SendCode(ctx, req.PhoneNumber, code); err != nil {
		log.Printf("[SMS] Delivery failed for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Failed to send code", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Code sent"})
}

// VerifyCode verifies a login code and signs the user in
// @Summary Verify SMS login code
// @Description Verify the code; a first-time phone number gets a user and an account with the starting balance
// @Tags auth
// @Accept json
// @Produce json
// @Param request body VerifyCodeRequest true "Verification request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Invalid or expired code"
// @Router /auth/sms/verify [post]
func (s *SMSService) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()

	stored, err := s.redis.Get(ctx, codeKey(req.PhoneNumber)).Result()
	if err != nil || stored != req.Code {
		log.Printf("[SMS] Invalid or expired code for %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid or expired code", http.StatusUnauthorized, nil)
		return
	}

	// One shot per code.
	s.redis.Del(ctx, codeKey(req.PhoneNumber))

	user, err := s.findOrCreateUser(ctx, req.PhoneNumber)
	if err != nil {
		log.Printf("[SMS] Failed to resolve user for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Failed to sign in", http.StatusInternalServerError, nil)
		return
	}

	s.touchLastLogin(user.ID)

	token, err := GenerateJWT(user.ID)
	if err != nil {
		log.Printf("[SMS] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[SMS] Login successful for user %d", user.ID)
	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: *user})
}

// findOrCreateUser looks the phone number up and provisions a user plus
// ledger account on first login.
func (s *SMSService) findOrCreateUser(ctx context.Context, phoneNumber string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email, ''), phone_number, nickname, created_at, updated_at
		FROM users
		WHERE phone_number = $1`, phoneNumber).
		Scan(&user.ID, &user.Email, &user.PhoneNumber, &user.Nickname, &user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user.PhoneNumber = phoneNumber
	user.Nickname = defaultNickname(phoneNumber)
	err = tx.QueryRow(`
		INSERT INTO users (phone_number, nickname, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		user.PhoneNumber, user.Nickname).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if _, err = s.ledger.CreateAccount(tx, user.ID, s.startingBalance); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[SMS] Provisioned user %d for %s", user.ID, phoneNumber)
	return &user, nil
}

func (s *SMSService) touchLastLogin(userID int64) {
	if _, err := s.db.Exec(`UPDATE users SET last_login = NOW() WHERE id = $1`, userID); err != nil {
		log.Printf("[SMS] Failed to update last login for user %d: %v", userID, err)
	}
}

func defaultNickname(phoneNumber string) string {
	if len(phoneNumber) >= 4 {
		return "user_" + phoneNumber[len(phoneNumber)-4:]
	}
	return "user_" + strings.TrimPrefix(phoneNumber, "+")
}

func generateCode(length int) (string, error) {
	const digits = "0123456789"
	b := make([]byte, length)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}
	return string(b), nil
}
