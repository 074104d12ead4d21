package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore implements every store contract the service package consumes.
type memStore struct {
	mu sync.Mutex

	events        map[string]*models.Event
	releaseGroups map[string][]models.ReleaseGroup
	ticketTypes   map[string]*models.TicketType
	discounts     map[string]*models.DiscountCode
	accounts      map[string]*models.PaymentAccount
	orgAccounts   map[string]string
	vat           map[string]*models.VATSettings
	plans         map[string]*models.FeePlan
	rates         *models.ExchangeRates

	customers     map[string]string
	customerStats map[string]decimal.Decimal
	orders        []*models.Order
	items         []models.OrderItem
	tickets       []models.Ticket
	processed     map[string]bool
	seq           int64
	discountUses  int

	fetchErr      error
	insertLineErr error
	incrementErr  error
	ratesErr      error
	vatReads      int
}

func newMemStore() *memStore {
	s := &memStore{
		events:        map[string]*models.Event{},
		releaseGroups: map[string][]models.ReleaseGroup{},
		ticketTypes:   map[string]*models.TicketType{},
		discounts:     map[string]*models.DiscountCode{},
		accounts:      map[string]*models.PaymentAccount{},
		orgAccounts:   map[string]string{},
		vat:           map[string]*models.VATSettings{},
		plans:         map[string]*models.FeePlan{},
		customers:     map[string]string{},
		customerStats: map[string]decimal.Decimal{},
		processed:     map[string]bool{},
		seq:           41,
	}

	venue := "Brixton Academy"
	s.events["evt-1"] = &models.Event{
		ID: "evt-1", OrgID: "org-1", Name: "Summer Social", Slug: "summer-social",
		Currency: "GBP", Status: models.StatusLive, VenueName: &venue,
	}
	s.addTicketType(models.TicketType{ID: "tt-a", Name: "General Admission", Price: decimal.NewFromInt(25)})
	s.addTicketType(models.TicketType{
		ID: "tt-b", Name: "GA + Tee", Price: decimal.NewFromInt(45), IncludesMerch: true, SortOrder: 1,
		ProductID: lo.ToPtr("prod-1"), ProductName: lo.ToPtr("Tour Tee"), ProductType: lo.ToPtr("apparel"),
	})
	return s
}

func (s *memStore) addTicketType(tt models.TicketType) {
	if tt.OrgID == "" {
		tt.OrgID = "org-1"
	}
	if tt.EventID == "" {
		tt.EventID = "evt-1"
	}
	if tt.Status == "" {
		tt.Status = models.StatusActive
	}
	s.ticketTypes[tt.ID] = &tt
}

func (s *memStore) GetEvent(_ context.Context, eventID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) GetReleaseGroups(_ context.Context, eventID string) ([]models.ReleaseGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseGroups[eventID], nil
}

func (s *memStore) FetchTicketTypes(_ context.Context, orgID string, ids []string) ([]models.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []models.TicketType
	for _, id := range ids {
		if tt, ok := s.ticketTypes[id]; ok && tt.OrgID == orgID {
			out = append(out, *tt)
		}
	}
	return out, nil
}

func (s *memStore) IncrementSold(_ context.Context, ticketTypeID string, qty int) (int, *int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return 0, nil, s.incrementErr
	}
	tt, ok := s.ticketTypes[ticketTypeID]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	tt.Sold += qty
	return tt.Sold, tt.Capacity, nil
}

func (s *memStore) FetchDiscount(_ context.Context, orgID, code string) (*models.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discounts {
		if d.OrgID == orgID && strings.EqualFold(d.Code, strings.TrimSpace(code)) && d.Status == models.StatusActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) IncrementUsedCount(_ context.Context, discountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[discountID]
	if !ok {
		return store.ErrNotFound
	}
	d.UsedCount++
	s.discountUses++
	return nil
}

func (s *memStore) GetOrgPaymentAccountID(_ context.Context, orgID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orgAccounts[orgID], nil
}

func (s *memStore) GetPaymentAccount(_ context.Context, accountID string) (*models.PaymentAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID], nil
}

func (s *memStore) GetVATSettings(_ context.Context, orgID string) (*models.VATSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vatReads++
	return s.vat[orgID], nil
}

func (s *memStore) GetFeePlan(_ context.Context, orgID string) (*models.FeePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[orgID], nil
}

func (s *memStore) GetExchangeRates(_ context.Context) (*models.ExchangeRates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rates, s.ratesErr
}

func (s *memStore) UpsertCustomer(_ context.Context, orgID string, fields models.CustomerFields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgID + "|" + strings.ToLower(fields.Email)
	if id, ok := s.customers[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cust-%d", len(s.customers)+1)
	s.customers[key] = id
	return id, nil
}

func (s *memStore) UpdateCustomerStats(_ context.Context, customerID string, orderTotal decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerStats[customerID] = s.customerStats[customerID].Add(orderTotal)
	return nil
}

func (s *memStore) NextOrderNumber(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *memStore) InsertOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.ID = fmt.Sprintf("ord-%d", len(s.orders)+1)
	order.CreatedAt = fixedNow
	cp := *order
	s.orders = append(s.orders, &cp)
	return nil
}

func (s *memStore) InsertOrderLines(_ context.Context, items []models.OrderItem, tickets []models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertLineErr != nil {
		return s.insertLineErr
	}
	s.items = append(s.items, items...)
	s.tickets = append(s.tickets, tickets...)
	return nil
}

func (s *memStore) GetOrderByPaymentRef(_ context.Context, paymentRef string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentRef != nil && *o.PaymentRef == paymentRef {
			return o, nil
		}
	}
	return nil, nil
}

func (s *memStore) CountOrderTickets(_ context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(lo.Filter(s.tickets, func(t models.Ticket, _ int) bool { return t.OrderID == orderID })), nil
}

func (s *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *memStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.IntentRequest
	err      error
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	id := fmt.Sprintf("pi_%d", len(g.requests))
	return &gateway.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *fakeGateway) last() gateway.IntentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

// syncTasks runs dispatched work inline and swallows its errors.
type syncTasks struct {
	mu     sync.Mutex
	names  []string
	errs   []error
	reject bool
}

func (t *syncTasks) Dispatch(name string, task func(ctx context.Context) error) bool {
	t.mu.Lock()
	t.names = append(t.names, name)
	reject := t.reject
	t.mu.Unlock()
	if reject {
		return false
	}

	func() {
		defer func() { _ = recover() }()
		if err := task(context.Background()); err != nil {
			t.mu.Lock()
			t.errs = append(t.errs, err)
			t.mu.Unlock()
		}
	}()
	return true
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.OrderConfirmation
	err  error
}

func (n *fakeNotifier) SendOrderConfirmation(_ context.Context, payload notify.OrderConfirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, payload)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	created   []*models.OrderCreatedEvent
	blocked   []*models.CheckoutBlockedEvent
	oversells []*models.OversellDetectedEvent
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *fakePublisher) PublishCheckoutBlocked(_ context.Context, e *models.CheckoutBlockedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = append(p.blocked, e)
	return nil
}

func (p *fakePublisher) PublishOversellDetected(_ context.Context, e *models.OversellDetectedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oversells = append(p.oversells, e)
	return nil
}

// memCache is a Cache without expiry.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	failGet bool
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) GetJSON(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return errors.New("connection refused")
	}
	raw, ok := c.entries[key]
	if !ok {
		return redisclient.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memCache) SetJSON(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}
