package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DedupPolicy selects how resolved tokens are collapsed before sending.
type DedupPolicy int

const (
	// DedupPlain returns distinct token values. Two different tokens on the
	// same physical device both survive.
	DedupPlain DedupPolicy = iota
	// DedupDeviceAware keeps only the first-seen token per (user, device) and
	// ignores registrations without a device id.
	DedupDeviceAware
)

func (p DedupPolicy) String() string {
	switch p {
	case DedupPlain:
		return "plain"
	case DedupDeviceAware:
		return "device_aware"
	default:
		return fmt.Sprintf("DedupPolicy(%d)", int(p))
	}
}

// Audience describes who an event is for. The concrete types below are the
// complete set; resolvers switch over them.
type Audience interface {
	audience()
}

// StaticAudience is the role broadcast returned by the static resolver call.
type StaticAudience struct{}

// AdminAudience is every profile with the ADMIN role.
type AdminAudience struct{}

// RoleSetAudience is every profile whose role is in Roles.
type RoleSetAudience struct {
	Roles []Role
}

// RefAudience is resolved per row from its correlation key.
type RefAudience struct {
	RefID string
}

func (StaticAudience) audience()  {}
func (AdminAudience) audience()   {}
func (RoleSetAudience) audience() {}
func (RefAudience) audience()     {}

// PurchaseRoles receive PURCHASE_RECEIVED broadcasts.
var PurchaseRoles = []Role{RoleManager, RoleWarehouse, RolePurchasing}

// Event is a decoded outbox row. Every event kind states its audience, its
// token dedup policy and the content of the push.
type Event interface {
	Type() EventType
	Audience() Audience
	Policy() DedupPolicy
	Content() Content
	event()
}

type SaleCreated struct {
	SaleID       string  `json:"sale_id"`
	CustomerName string  `json:"customer_name"`
	Total        float64 `json:"total"`
	SellerName   string  `json:"seller_name"`
}

type StockLow struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    float64 `json:"quantity"`
	MinQuantity float64 `json:"min_quantity"`
}

type PurchaseReceived struct {
	PurchaseID   string  `json:"purchase_id"`
	SupplierName string  `json:"supplier_name"`
	Total        float64 `json:"total"`
}

type PaymentRecorded struct {
	SaleID       string  `json:"sale_id"`
	CustomerName string  `json:"customer_name"`
	Amount       float64 `json:"amount"`
	Balance      float64 `json:"balance"`

	refID string
}

type SaleVoided struct {
	SaleID       string `json:"sale_id"`
	CustomerName string `json:"customer_name"`
	Reason       string `json:"reason"`
}

func (SaleCreated) Type() EventType { return EventSaleCreated }
func (SaleCreated) Audience() Audience { return StaticAudience{} }
func (SaleCreated) Policy() DedupPolicy { return DedupPlain }
func (SaleCreated) event() {}
func (StockLow) Type() EventType { return EventStockLow }
func (StockLow) Audience() Audience { return AdminAudience{} }
func (StockLow) Policy() DedupPolicy { return DedupPlain }
func (StockLow) event() {}
func (PurchaseReceived) Type() EventType { return EventPurchaseReceived }
func (PurchaseReceived) Policy() DedupPolicy { return DedupPlain }
func (PurchaseReceived) event() {}
func (PaymentRecorded) Type() EventType { return EventPaymentRecorded }
func (PaymentRecorded) Policy() DedupPolicy { return DedupDeviceAware }
func (PaymentRecorded) event() {}
func (SaleVoided) Type() EventType { return EventSaleVoided }
func (SaleVoided) Audience() Audience { return AdminAudience{} }
func (SaleVoided) Policy() DedupPolicy { return DedupPlain }
func (SaleVoided) event() {}

func (PurchaseReceived) Audience() Audience {
	return RoleSetAudience{Roles: PurchaseRoles}
}

func (e PaymentRecorded) Audience() Audience {
	return RefAudience{RefID: e.refID}
}

func (e SaleCreated) Content() Content {
	body := fmt.Sprintf("%s sold %s to %s", e.SellerName, money(e.Total), e.CustomerName)
	if e.SellerName == "" {
		body = fmt.Sprintf("Sale of %s to %s", money(e.Total), e.CustomerName)
	}
	return Content{
		Title: "New sale",
		Body:  body,
		Data:  map[string]string{"sale_id": e.SaleID},
	}
}

func (e StockLow) Content() Content {
	return Content{
		Title: "Low stock",
		Body:  fmt.Sprintf("%s is down to %s (minimum %s)", e.ProductName, qty(e.Quantity), qty(e.MinQuantity)),
		Data:  map[string]string{"product_id": e.ProductID},
	}
}

func (e PurchaseReceived) Content() Content {
	return Content{
		Title: "Purchase received",
		Body:  fmt.Sprintf("%s delivered an order of %s", e.SupplierName, money(e.Total)),
		Data:  map[string]string{"purchase_id": e.PurchaseID},
	}
}

func (e PaymentRecorded) Content() Content {
	return Content{
		Title: "Payment recorded",
		Body:  fmt.Sprintf("%s paid %s, balance %s", e.CustomerName, money(e.Amount), money(e.Balance)),
		Data:  map[string]string{"sale_id": e.SaleID},
	}
}

func (e SaleVoided) Content() Content {
	body := fmt.Sprintf("Sale to %s was voided", e.CustomerName)
	if e.Reason != "" {
		body += ": " + e.Reason
	}
	return Content{
		Title: "Sale voided",
		Body:  body,
		Data:  map[string]string{"sale_id": e.SaleID},
	}
}

// ErrMissingRef is returned when an entity-specific event has no correlation key.
var ErrMissingRef = errors.New("ref_id is required for this event type")

// Decode turns a claimed row into its event. known is false for event types
// this dispatcher does not handle; such rows carry no error.
func Decode(row Row) (ev Event, known bool, err error) {
	switch row.Type {
	case EventSaleCreated:
		var e SaleCreated
		err = decodePayload(row, &e)
		ev = e
	case EventStockLow:
		var e StockLow
		err = decodePayload(row, &e)
		ev = e
	case EventPurchaseReceived:
		var e PurchaseReceived
		err = decodePayload(row, &e)
		ev = e
	case EventPaymentRecorded:
		var e PaymentRecorded
		err = decodePayload(row, &e)
		e.refID = row.Ref()
		if e.refID == "" {
			e.refID = e.SaleID
		}
		if err == nil && e.refID == "" {
			err = ErrMissingRef
		}
		ev = e
	case EventSaleVoided:
		var e SaleVoided
		err = decodePayload(row, &e)
		ev = e
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("decode %s payload: %w", row.Type, err)
	}
	return ev, true, nil
}

func decodePayload(row Row, dst any) error {
	if len(row.Payload) == 0 || string(row.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(row.Payload, dst)
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func qty(v float64) string {
	return fmt.Sprintf("%g", v)
}
