package orders

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Anomaly is a persisted local/broker state mismatch found during
// reconciliation. Anomalies are never silently dropped.
type Anomaly struct {
	ID            int64
	Kind          string
	OrderID       string
	BrokerOrderID string
	PortfolioID   string
	Detail        string
	DetectedAt    time.Time
}

// Reconciliation anomaly kinds.
const (
	AnomalyUnknownBrokerOrder = "UNKNOWN_BROKER_ORDER"
	AnomalyLostLocalOrder     = "LOST_LOCAL_ORDER"
	AnomalyPositionMismatch   = "POSITION_MISMATCH"
	AnomalyFillAfterCancel    = "FILL_AFTER_CANCEL"
	AnomalyCashShortfall      = "CASH_SHORTFALL"
)

// AnomalyRepository persists reconciliation anomalies to the ledger.
type AnomalyRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(ledgerDB *sql.DB, log zerolog.Logger) *AnomalyRepository {
	return &AnomalyRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "anomalies").Logger(),
	}
}

// Record inserts an anomaly and logs it as a warning.
func (r *AnomalyRepository) Record(a Anomaly) error {
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	_, err := r.ledgerDB.Exec(
		`INSERT INTO anomalies (kind, order_id, broker_order_id, portfolio_id, detail, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Kind,
		nullString(a.OrderID),
		nullString(a.BrokerOrderID),
		nullString(a.PortfolioID),
		a.Detail,
		a.DetectedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record anomaly: %w", err)
	}

	r.log.Warn().
		Str("kind", a.Kind).
		Str("order_id", a.OrderID).
		Str("broker_order_id", a.BrokerOrderID).
		Str("detail", a.Detail).
		Msg("Reconciliation anomaly recorded")
	return nil
}

// List returns anomalies newest first.
func (r *AnomalyRepository) List(limit int) ([]Anomaly, error) {
	rows, err := r.ledgerDB.Query(
		`SELECT id, kind, COALESCE(order_id, ''), COALESCE(broker_order_id, ''),
		        COALESCE(portfolio_id, ''), detail, detected_at
		 FROM anomalies ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var detectedAt string
		if err := rows.Scan(&a.ID, &a.Kind, &a.OrderID, &a.BrokerOrderID, &a.PortfolioID, &a.Detail, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		if a.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
			return nil, fmt.Errorf("failed to parse detected_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
