package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
	"github.com/safar/order-desk/internal/refund"
	"github.com/safar/order-desk/internal/store"
	"github.com/safar/order-desk/internal/workflow"
)

type app struct {
	db        *sql.DB
	logger    *zap.Logger
	workflow  *workflow.Service
	ledger    *refund.Ledger
	loadOrder func(ctx context.Context, id int64) (*models.Order, error)
}

func (a *app) routes(r chi.Router) {
	r.Post("/users", a.handleCreateUser)
	r.Get("/users/{id}", a.handleGetUser)
	r.Post("/products", a.handleCreateProduct)
	r.Get("/products/{id}", a.handleGetProduct)

	r.Get("/workflow/board", a.handleBoard)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", a.handleCreateOrder)
		r.Get("/", a.handleListOrders)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetOrder)
			r.Get("/history", a.handleHistory)
			r.Get("/transitions", a.handleTransitions)
			r.Post("/status", a.handleChangeStatus)
			r.Get("/refunds", a.handleListRefunds)
			r.Post("/refunds", a.handleApplyRefund)
			r.Post("/refunds/preview", a.handlePreviewRefund)
		})
	})
}

func (a *app) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := store.CreateUser(r.Context(), a.db, req.Email, req.Name)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (a *app) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	user, err := store.GetUser(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (a *app) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU         string          `json:"sku"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Price       decimal.Decimal `json:"price"`
		Stock       int             `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	product, err := store.CreateProduct(r.Context(), a.db, req.SKU, req.Name, req.Description, req.Price, req.Stock)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, product)
}

func (a *app) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	product, err := store.GetProduct(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, product)
}

func (a *app) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        int64           `json:"user_id"`
		Currency      string          `json:"currency"`
		TaxTotal      decimal.Decimal `json:"tax_total"`
		ShippingTotal decimal.Decimal `json:"shipping_total"`
		Items         []struct {
			ProductID int64 `json:"product_id"`
			Quantity  int   `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	items := make([]store.OrderItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, store.OrderItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := store.CreateOrder(r.Context(), a.db, store.CreateOrderRequest{
		UserID:        req.UserID,
		Currency:      req.Currency,
		TaxTotal:      req.TaxTotal,
		ShippingTotal: req.ShippingTotal,
		Items:         items,
	})
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, order)
}

func (a *app) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := models.OrderStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.OrderStatusNew
	}
	if !status.Valid() {
		respondError(w, http.StatusBadRequest, "Unknown status")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	page, err := store.ListOrdersByStatus(r.Context(), a.db, status, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (a *app) handleBoard(w http.ResponseWriter, r *http.Request) {
	counts, err := store.CountOrdersByStatus(r.Context(), a.db)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	type column struct {
		Status models.OrderStatus `json:"status"`
		Count  int64              `json:"count"`
	}
	columns := make([]column, 0, len(workflow.KanbanStatusOrder))
	for _, status := range workflow.KanbanStatusOrder {
		columns = append(columns, column{Status: status, Count: counts[status]})
	}

	respondJSON(w, http.StatusOK, map[string]any{"columns": columns})
}

func (a *app) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	order, err := a.loadOrder(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	history, err := store.ListStatusHistory(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, history)
}

func (a *app) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	order, err := a.loadOrder(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  order.Status,
		"allowed": a.workflow.Machine().Allowed(order.Status),
	})
}

func (a *app) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status  models.OrderStatus `json:"status"`
		Note    string             `json:"note"`
		ActorID int64              `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ActorID <= 0 {
		respondError(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	entry, err := a.workflow.ChangeStatus(r.Context(), id, req.Status, req.Note, req.ActorID)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

type refundRequest struct {
	Items []struct {
		ItemID   int64 `json:"item_id"`
		Quantity int   `json:"quantity"`
	} `json:"items"`
	RefundShipping bool          `json:"refund_shipping"`
	Reason         string        `json:"reason"`
	RestockItems   *bool         `json:"restock_items"`
	ActorID        int64         `json:"actor_id"`
	Basis          *refund.Basis `json:"basis"`
}

func (req refundRequest) restock() bool {
	return req.RestockItems == nil || *req.RestockItems
}

// validate rejects negative quantities and lines listed more than once.
func (req refundRequest) validate() error {
	seen := make(map[int64]bool, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity < 0 {
			return fmt.Errorf("item %d: quantity must not be negative", item.ItemID)
		}
		if seen[item.ItemID] {
			return fmt.Errorf("item %d is listed more than once", item.ItemID)
		}
		seen[item.ItemID] = true
	}
	return nil
}

// handlePreviewRefund runs the tolerant path: quantities are clamped and
// the totals are returned together with the basis to submit.
func (a *app) handlePreviewRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := a.loadOrder(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	proposal := refund.NewProposal(*order)
	proposal.RefundShipping = req.RefundShipping
	proposal.Reason = req.Reason
	proposal.RestockItems = req.restock()
	// A line without a quantity is refunded in full.
	for _, item := range req.Items {
		proposal.Select(*order, item.ItemID, true)
		if item.Quantity > 0 {
			proposal.SetQuantity(*order, item.ItemID, item.Quantity)
		}
	}

	totals := proposal.Recompute(*order)

	resp := map[string]any{
		"proposal": proposal,
		"totals":   totals,
	}
	if err := totals.Validate(); err != nil {
		resp["blocked"] = err.Error()
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleApplyRefund runs the strict path: quantities are taken as given and
// anything that no longer fits is rejected.
func (a *app) handleApplyRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActorID <= 0 {
		respondError(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	proposal := refund.Proposal{
		Lines:          make(map[int64]refund.LineSelection, len(req.Items)),
		RefundShipping: req.RefundShipping,
		Reason:         req.Reason,
		RestockItems:   req.restock(),
		Basis:          req.Basis,
	}
	for _, item := range req.Items {
		proposal.Lines[item.ItemID] = refund.LineSelection{Selected: true, Quantity: item.Quantity}
	}

	result, err := a.ledger.Apply(r.Context(), id, proposal, proposal.RestockItems, req.ActorID)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

func (a *app) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	refunds, err := store.ListRefunds(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, refunds)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return 0, false
	}
	return id, true
}

func (a *app) respondStoreError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, refund.ErrStaleProposal):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, refund.ErrNothingToRefund),
		errors.Is(err, refund.ErrExceedsAvailable),
		errors.Is(err, database.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrOptimisticLockFailed),
		errors.Is(err, database.ErrLockTimeout),
		errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, refund.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
