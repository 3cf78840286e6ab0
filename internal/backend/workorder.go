package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// workOrderResponse is the wire schema of GET /api/machines/{code}/workorder.
// Pointers distinguish absent fields from zero values.
type workOrderResponse struct {
	WorkOrderNo *string  `json:"workOrderNo"`
	PlannedQty  *float64 `json:"plannedQty"`
	ProductCode *string  `json:"productCode"`
	DueDate     *string  `json:"dueDate"`
}

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// decodeWorkOrder parses a work order body. An empty body, null, or a body
// without a work order number means nothing is assigned.
func decodeWorkOrder(body []byte) (*core.WorkOrder, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrNoWorkOrder
	}

	var resp workOrderResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode work order: %w", err)
	}
	if resp.WorkOrderNo == nil || *resp.WorkOrderNo == "" {
		return nil, ErrNoWorkOrder
	}

	if resp.PlannedQty == nil {
		return nil, fmt.Errorf("work order %s: plannedQty missing", *resp.WorkOrderNo)
	}
	qty := *resp.PlannedQty
	if qty <= 0 || qty != math.Trunc(qty) || qty > math.MaxInt32 {
		return nil, fmt.Errorf("work order %s: invalid plannedQty %v", *resp.WorkOrderNo, qty)
	}

	wo := &core.WorkOrder{
		ID:              *resp.WorkOrderNo,
		PlannedQuantity: int(qty),
	}
	if resp.ProductCode != nil {
		wo.ProductCode = *resp.ProductCode
	}
	if resp.DueDate != nil {
		wo.DueDate = parseDueDate(*resp.DueDate)
	}
	return wo, nil
}

// parseDueDate returns nil for dates in no known layout
func parseDueDate(s string) *time.Time {
	for _, layout := range dueDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t
		}
	}
	return nil
}
