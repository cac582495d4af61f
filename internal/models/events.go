package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType tags an envelope and names the topic it is published to.
type EventType string

// Event types
const (
	EventTypePaymentSuccess      EventType = "PAYMENT_SUCCESS"
	EventTypeOrderPlaced         EventType = "ORDER_PLACED"
	EventTypeOrderStatusUpdated  EventType = "ORDER_STATUS_UPDATED"
	EventTypeProductStockReduced EventType = "PRODUCT_STOCK_REDUCED"
	EventTypeLowStockAlert       EventType = "LOW_STOCK_ALERT"
	EventTypeItemAddedToCart     EventType = "ITEM_ADDED_TO_CART"
	EventTypeItemRemovedFromCart EventType = "ITEM_REMOVED_FROM_CART"
	EventTypeCartUpdated         EventType = "CART_UPDATED"
	EventTypeCartCleared         EventType = "CART_CLEARED"
	EventTypeProductCreated      EventType = "PRODUCT_CREATED"
	EventTypeProductUpdated      EventType = "PRODUCT_UPDATED"
	EventTypeProductDeleted      EventType = "PRODUCT_DELETED"
	EventTypeCategoryCreated     EventType = "CATEGORY_CREATED"
	EventTypeUserRegistered      EventType = "USER_REGISTERED"
	EventTypeUserLoggedIn        EventType = "USER_LOGGED_IN"
)

// Topic returns the broker topic for the event type.
func (t EventType) Topic() string {
	return string(t)
}

// Payload is one variant of the envelope's tagged union.
type Payload interface {
	EventType() EventType
	// PartitionKey is the business entity id used to key the broker message.
	PartitionKey() string
}

var payloadFactories = map[EventType]func() Payload{
	EventTypePaymentSuccess:      func() Payload { return &PaymentSuccess{} },
	EventTypeOrderPlaced:         func() Payload { return &OrderPlaced{} },
	EventTypeOrderStatusUpdated:  func() Payload { return &OrderStatusUpdated{} },
	EventTypeProductStockReduced: func() Payload { return &ProductStockReduced{} },
	EventTypeLowStockAlert:       func() Payload { return &LowStockAlert{} },
	EventTypeItemAddedToCart:     func() Payload { return &ItemAddedToCart{} },
	EventTypeItemRemovedFromCart: func() Payload { return &ItemRemovedFromCart{} },
	EventTypeCartUpdated:         func() Payload { return &CartUpdated{} },
	EventTypeCartCleared:         func() Payload { return &CartCleared{} },
	EventTypeProductCreated:      func() Payload { return &ProductCreated{} },
	EventTypeProductUpdated:      func() Payload { return &ProductUpdated{} },
	EventTypeProductDeleted:      func() Payload { return &ProductDeleted{} },
	EventTypeCategoryCreated:     func() Payload { return &CategoryCreated{} },
	EventTypeUserRegistered:      func() Payload { return &UserRegistered{} },
	EventTypeUserLoggedIn:        func() Payload { return &UserLoggedIn{} },
}

// AllEventTypes returns every known event type.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypePaymentSuccess,
		EventTypeOrderPlaced,
		EventTypeOrderStatusUpdated,
		EventTypeProductStockReduced,
		EventTypeLowStockAlert,
		EventTypeItemAddedToCart,
		EventTypeItemRemovedFromCart,
		EventTypeCartUpdated,
		EventTypeCartCleared,
		EventTypeProductCreated,
		EventTypeProductUpdated,
		EventTypeProductDeleted,
		EventTypeCategoryCreated,
		EventTypeUserRegistered,
		EventTypeUserLoggedIn,
	}
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Envelope wraps every fact published to the broker. It is never mutated after
// publication; retries resend the same envelope so EventID stays stable.
//
// On the wire the payload fields sit next to eventId, eventType and timestamp in
// one flat JSON object.
type Envelope struct {
	EventID   string
	EventType EventType
	Timestamp time.Time
	Payload   Payload
}

// NewEnvelope wraps p with a fresh event id.
func NewEnvelope(p Payload) *Envelope {
	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: p.EventType(),
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// Key returns the partition key: the payload's entity id, or the event id
// when the payload carries none.
func (e *Envelope) Key() string {
	if e.Payload != nil {
		if k := e.Payload.PartitionKey(); k != "" {
			return k
		}
	}
	return e.EventID
}

type envelopeHeader struct {
	EventID   string          `json:"eventId"`
	EventType EventType       `json:"eventType"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// MarshalJSON flattens the payload into the envelope object.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.EventType, err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("payload for %s is not a flat object: %w", e.EventType, err)
		}
	}

	id, _ := json.Marshal(e.EventID)
	typ, _ := json.Marshal(e.EventType)
	ts, _ := json.Marshal(e.Timestamp)
	fields["eventId"] = id
	fields["eventType"] = typ
	fields["timestamp"] = ts

	return json.Marshal(fields)
}

// DecodeEnvelope decodes a broker message into an envelope with a typed payload.
// A missing eventId is not an error; callers decide how to treat it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if header.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEnvelope)
	}

	factory, ok := payloadFactories[header.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, header.EventType)
	}

	body, err := unquoteNumbers(data, numericFields[header.EventType])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	payload := factory()
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, header.EventType, err)
	}

	return &Envelope{
		EventID:   header.EventID,
		EventType: header.EventType,
		Timestamp: parseTimestamp(header.Timestamp),
		Payload:   payload,
	}, nil
}

// numericFields holds, per event type, the JSON names of numeric payload fields.
var numericFields = map[EventType]map[string]bool{}

func init() {
	for t, factory := range payloadFactories {
		fields := map[string]bool{}
		collectNumericFields(reflect.TypeOf(factory()).Elem(), fields)
		numericFields[t] = fields
	}
}

func collectNumericFields(t reflect.Type, into map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectNumericFields(f.Type, into)
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		switch ft.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			into[name] = true
		}
	}
}

// unquoteNumbers turns numeric fields sent as strings ("42") into JSON numbers.
// Some producers stringify ids and quantities.
func unquoteNumbers(data []byte, numeric map[string]bool) ([]byte, error) {
	if len(numeric) == 0 {
		return data, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	changed := false
	for name, raw := range fields {
		if !numeric[name] || len(raw) == 0 || raw[0] != '"' {
			continue
		}
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			continue
		}
		str = strings.TrimSpace(str)
		if !isJSONNumber(str) {
			continue
		}
		fields[name] = json.RawMessage(str)
		changed = true
	}
	if !changed {
		return data, nil
	}
	return json.Marshal(fields)
}

func isJSONNumber(s string) bool {
	if s == "" || !(s[0] == '-' || (s[0] >= '0' && s[0] <= '9')) {
		return false
	}
	return json.Valid([]byte(s))
}

var localDateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp is lenient: producers on other stacks send zone-less local
// date-times, and the timestamp is informational only.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	s, err := strconv.Unquote(string(raw))
	if err != nil {
		return time.Time{}
	}
	for _, layout := range localDateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func idKey(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// PaymentSuccess is published by the payment role once the provider confirms.
type PaymentSuccess struct {
	Username        string `json:"username"`
	ProductID       int64  `json:"productId"`
	Quantity        int    `json:"quantity"`
	AmountPaid      int64  `json:"amountPaid"` // minor units
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"paymentIntentId"`
}

func (*PaymentSuccess) EventType() EventType    { return EventTypePaymentSuccess }
func (p *PaymentSuccess) PartitionKey() string { return p.PaymentIntentID }

// OrderSnapshot is the order projection carried by order events.
type OrderSnapshot struct {
	OrderID        int64   `json:"orderId"`
	Username       string  `json:"username"`
	ProductID      int64   `json:"productId"`
	Category       string  `json:"category"`
	Quantity       int     `json:"quantity"`
	TotalPrice     float64 `json:"totalPrice"`
	OrderStatus    string  `json:"orderStatus"`
	ShippingStatus string  `json:"shippingStatus"`
}

// SnapshotOf projects an order into event fields.
func SnapshotOf(o *Order) OrderSnapshot {
	return OrderSnapshot{
		OrderID:        o.ID,
		Username:       o.Username,
		ProductID:      o.ProductID,
		Category:       o.Category,
		Quantity:       o.Quantity,
		TotalPrice:     o.TotalPrice,
		OrderStatus:    o.OrderStatus,
		ShippingStatus: o.ShippingStatus,
	}
}

type OrderPlaced struct {
	OrderSnapshot
}

func (*OrderPlaced) EventType() EventType    { return EventTypeOrderPlaced }
func (p *OrderPlaced) PartitionKey() string { return idKey(p.OrderID) }

type OrderStatusUpdated struct {
	OrderSnapshot
}

func (*OrderStatusUpdated) EventType() EventType    { return EventTypeOrderStatusUpdated }
func (p *OrderStatusUpdated) PartitionKey() string { return idKey(p.OrderID) }

type ProductStockReduced struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Category    string `json:"category"`
	Quantity    int    `json:"quantity"` // new stock level
}

func (*ProductStockReduced) EventType() EventType    { return EventTypeProductStockReduced }
func (p *ProductStockReduced) PartitionKey() string { return idKey(p.ProductID) }

type LowStockAlert struct {
	ProductID    int64  `json:"productId"`
	ProductName  string `json:"productName"`
	CurrentStock int    `json:"currentStock"`
	Threshold    int    `json:"threshold"`
}

func (*LowStockAlert) EventType() EventType    { return EventTypeLowStockAlert }
func (p *LowStockAlert) PartitionKey() string { return idKey(p.ProductID) }

// CartFields is shared by the cart events.
type CartFields struct {
	Username    string  `json:"username"`
	ProductID   int64   `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

type ItemAddedToCart struct{ CartFields }
type ItemRemovedFromCart struct{ CartFields }
type CartUpdated struct{ CartFields }
type CartCleared struct{ CartFields }

func (*ItemAddedToCart) EventType() EventType        { return EventTypeItemAddedToCart }
func (p *ItemAddedToCart) PartitionKey() string     { return p.Username }
func (*ItemRemovedFromCart) EventType() EventType    { return EventTypeItemRemovedFromCart }
func (p *ItemRemovedFromCart) PartitionKey() string { return p.Username }
func (*CartUpdated) EventType() EventType            { return EventTypeCartUpdated }
func (p *CartUpdated) PartitionKey() string         { return p.Username }
func (*CartCleared) EventType() EventType            { return EventTypeCartCleared }
func (p *CartCleared) PartitionKey() string         { return p.Username }

// ProductFields is shared by the catalog events. Price and quantity are absent
// on deletions.
type ProductFields struct {
	ProductID   int64    `json:"productId"`
	ProductName string   `json:"productName"`
	Category    string   `json:"category"`
	Price       *float64 `json:"price"`
	Quantity    *int     `json:"quantity"`
}

type ProductCreated struct{ ProductFields }
type ProductUpdated struct{ ProductFields }
type ProductDeleted struct{ ProductFields }

func (*ProductCreated) EventType() EventType    { return EventTypeProductCreated }
func (p *ProductCreated) PartitionKey() string { return idKey(p.ProductID) }
func (*ProductUpdated) EventType() EventType    { return EventTypeProductUpdated }
func (p *ProductUpdated) PartitionKey() string { return idKey(p.ProductID) }
func (*ProductDeleted) EventType() EventType    { return EventTypeProductDeleted }
func (p *ProductDeleted) PartitionKey() string { return idKey(p.ProductID) }

type CategoryCreated struct {
	CategoryID   int64  `json:"categoryId"`
	CategoryName string `json:"categoryName"`
}

func (*CategoryCreated) EventType() EventType    { return EventTypeCategoryCreated }
func (p *CategoryCreated) PartitionKey() string { return idKey(p.CategoryID) }

// UserFields is shared by the auth events. Roles is a comma separated list.
type UserFields struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Roles    string `json:"roles"`
}

type UserRegistered struct{ UserFields }
type UserLoggedIn struct{ UserFields }

func (*UserRegistered) EventType() EventType    { return EventTypeUserRegistered }
func (p *UserRegistered) PartitionKey() string { return p.Username }
func (*UserLoggedIn) EventType() EventType      { return EventTypeUserLoggedIn }
func (p *UserLoggedIn) PartitionKey() string   { return p.Username }
