package services

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/middleware"
	"github.com/interviewace/backend/internal/models"
	"github.com/interviewace/backend/internal/orders"
)

// Product is one purchasable top-up package. The catalog is server-side so
// the client never chooses its own price.
type Product struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// DefaultProducts is the built-in top-up catalog.
func DefaultProducts() []Product {
	return []Product{
		{ID: "topup-10", Name: "Balance top-up 10", Amount: decimal.RequireFromString("10.00")},
		{ID: "topup-50", Name: "Balance top-up 50", Amount: decimal.RequireFromString("50.00")},
		{ID: "topup-100", Name: "Balance top-up 100", Amount: decimal.RequireFromString("100.00")},
	}
}

// OrderService is the HTTP shell over the order flow.
type OrderService struct {
	orders     *orders.Service
	products   []Product
	catalog    map[string]Product
	currency   string
	successURL string
	cancelURL  string
	validator  *validator.Validate
}

// CreateOrderRequest represents the order creation payload
// @Description Order creation request structure
type CreateOrderRequest struct {
	ProductID  string `json:"productId" validate:"required" example:"topup-10"`           // Catalog product id
	InviteCode string `json:"inviteCode" validate:"omitempty,alphanum" example:"WELCOME"` // Optional invite code for the discount
}

// CreateOrderResponse represents the order creation response
// @Description Order creation response structure
type CreateOrderResponse struct {
	Order      models.Order `json:"order"`
	PaymentURL string       `json:"paymentUrl"`       // Hosted checkout URL
	QRCode     string       `json:"qrCode,omitempty"` // Base64 PNG of the checkout URL
}

func NewOrderService(orderSvc *orders.Service, products []Product, currency, successURL, cancelURL string) *OrderService {
	catalog := make(map[string]Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}
	return &OrderService{
		orders:     orderSvc,
		products:   products,
		catalog:    catalog,
		currency:   currency,
		successURL: successURL,
		cancelURL:  cancelURL,
		validator:  validator.New(),
	}
}

// ListProducts returns the top-up catalog
// @Summary List products
// @Description List the purchasable top-up packages
// @Tags orders
// @Produce json
// @Success 200 {array} Product "Catalog"
// @Router /orders/products [get]
func (s *OrderService) ListProducts(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.products)
}

// CreateOrder opens a checkout session for a catalog product
// @Summary Create an order
// @Description Create a pending order and a hosted checkout session for it
// @Tags orders
// @Accept json
// @Produce json
// @Param request body CreateOrderRequest true "Order request"
// @Success 200 {object} CreateOrderResponse "Order with payment URL"
// @Failure 400 {string} string "Unknown product"
// @Failure 401 {string} string "Unauthorized"
// @Failure 502 {string} string "Checkout gateway failure"
// @Router /orders [post]
func (s *OrderService) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateOrderRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	product, ok := s.catalog[req.ProductID]
	if !ok {
		SendErrorResponse(w, "Unknown product", http.StatusBadRequest, nil)
		return
	}

	order, qrPNG, err := s.orders.CreateOrder(r.Context(), userID, product.Name,
		product.Amount, s.currency, req.InviteCode, s.successURL, s.cancelURL)
	if err != nil {
		log.Printf("[ORDER] Creation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create order", http.StatusBadGateway, nil)
		return
	}

	resp := CreateOrderResponse{Order: *order, PaymentURL: order.PaymentURL}
	if qrPNG != nil {
		resp.QRCode = base64.StdEncoding.EncodeToString(qrPNG)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetOrder returns one of the user's orders by number
// @Summary Get an order
// @Description Get an order by its order number; clients poll this after checkout
// @Tags orders
// @Produce json
// @Param orderNumber path string true "Order number"
// @Success 200 {object} models.Order "Order"
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "Order not found"
// @Router /orders/{orderNumber} [get]
func (s *OrderService) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	orderNumber := chi.URLParam(r, "orderNumber")
	order, err := s.orders.GetOrderByNumber(r.Context(), orderNumber)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			SendErrorResponse(w, "Order not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ORDER] Lookup failed for %s: %v", orderNumber, err)
		SendErrorResponse(w, "Failed to fetch order", http.StatusInternalServerError, nil)
		return
	}
	if order.UserID != userID {
		SendErrorResponse(w, "Order not found", http.StatusNotFound, nil)
		return
	}

	WriteJSON(w, http.StatusOK, order)
}
