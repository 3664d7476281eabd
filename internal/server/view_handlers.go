package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
)

const defaultListLimit = 100

// ViewHandlers serves read-only projections of persisted state. They read
// from the repositories, never from live aggregates, so they stay cheap
// and lock-free.
type ViewHandlers struct {
	portfolioRepo *portfolio.Repository
	orderRepo     *orders.Repository
	anomalyRepo   *orders.AnomalyRepository
	portfolioID   string
	log           zerolog.Logger
}

// NewViewHandlers creates a new view handlers instance
func NewViewHandlers(
	portfolioRepo *portfolio.Repository,
	orderRepo *orders.Repository,
	anomalyRepo *orders.AnomalyRepository,
	portfolioID string,
	log zerolog.Logger,
) *ViewHandlers {
	return &ViewHandlers{
		portfolioRepo: portfolioRepo,
		orderRepo:     orderRepo,
		anomalyRepo:   anomalyRepo,
		portfolioID:   portfolioID,
		log:           log.With().Str("component", "view_handlers").Logger(),
	}
}

// HandlePortfolio returns the persisted portfolio snapshot.
// GET /api/portfolio
func (h *ViewHandlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := h.portfolioRepo.Get(h.portfolioID)
	if errors.Is(err, portfolio.ErrNotFound) {
		writeError(h.log, w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, snap)
}

type orderView struct {
	ID             string             `json:"id"`
	BrokerOrderID  string             `json:"broker_order_id,omitempty"`
	Symbol         string             `json:"symbol"`
	Side           domain.OrderSide   `json:"side"`
	Type           domain.OrderType   `json:"type"`
	Status         domain.OrderStatus `json:"status"`
	Quantity       string             `json:"quantity"`
	FilledQuantity string             `json:"filled_quantity"`
	LimitPrice     string             `json:"limit_price,omitempty"`
	ReservedAmount string             `json:"reserved_amount"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	CreatedAt      string             `json:"created_at"`
}

// HandleOrders lists recent orders, newest first. ?open=true narrows to
// orders still awaiting broker resolution.
// GET /api/orders
func (h *ViewHandlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	var (
		list []*domain.Order
		err  error
	)
	if r.URL.Query().Get("open") == "true" {
		list, err = h.orderRepo.ListOpen(h.portfolioID)
	} else {
		list, err = h.orderRepo.ListByPortfolio(h.portfolioID, queryLimit(r))
	}
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	views := make([]orderView, 0, len(list))
	for _, o := range list {
		views = append(views, toOrderView(o))
	}
	writeJSON(h.log, w, http.StatusOK, views)
}

// HandleAnomalies lists recorded reconciliation anomalies, newest first.
// GET /api/anomalies
func (h *ViewHandlers) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := h.anomalyRepo.List(queryLimit(r))
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, anomalies)
}

func toOrderView(o *domain.Order) orderView {
	v := orderView{
		ID:             o.ID,
		BrokerOrderID:  o.BrokerOrderID,
		Symbol:         o.Symbol.String(),
		Side:           o.Side,
		Type:           o.Type,
		Status:         o.CurrentStatus(),
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.Quantity.Sub(o.UnfilledQuantity()).String(),
		ReservedAmount: o.ReservedAmount.String(),
		RejectReason:   o.RejectReason,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	if o.LimitPrice != nil {
		v.LimitPrice = o.LimitPrice.String()
	}
	return v
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
