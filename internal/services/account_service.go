package services

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/middleware"
	"github.com/interviewace/backend/internal/models"
)

// AccountService exposes the balance and ledger history of the
// authenticated user.
type AccountService struct {
	balance *ledger.Service
}

// BalanceResponse represents the balance enquiry response
// @Description Balance response structure
type BalanceResponse struct {
	Balance decimal.Decimal `json:"balance" example:"10.00"` // Current balance
}

// TransactionsResponse represents a page of ledger entries
// @Description Transaction history response structure
type TransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"` // Ledger entries, newest first
	Page         int                  `json:"page" example:"1"`
	PageSize     int                  `json:"pageSize" example:"10"`
}

func NewAccountService(balance *ledger.Service) *AccountService {
	return &AccountService{balance: balance}
}

// GetBalance returns the authenticated user's current balance
// @Summary Get balance
// @Description Get the current balance of the authenticated user
// @Tags account
// @Produce json
// @Success 200 {object} BalanceResponse "Current balance"
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "Account not found"
// @Router /account/balance [get]
func (s *AccountService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := s.balance.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ACCOUNT] Balance enquiry failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

// GetTransactions returns a page of the user's ledger history
// @Summary Get transaction history
// @Description Get a page of the authenticated user's ledger entries, newest first
// @Tags account
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param pageSize query int false "Page size" default(10)
// @Success 200 {object} TransactionsResponse "Ledger entries"
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "Account not found"
// @Router /account/transactions [get]
func (s *AccountService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 10)

	transactions, err := s.balance.Store().ListTransactions(r.Context(), userID, page, pageSize)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ACCOUNT] Transaction listing failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, TransactionsResponse{
		Transactions: transactions,
		Page:         page,
		PageSize:     pageSize,
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if val := r.URL.Query().Get(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
