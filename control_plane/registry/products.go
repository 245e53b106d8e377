package registry

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/events"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
)

// Emitter publishes hub-originated events.
type Emitter interface {
	Emit(ctx context.Context, p events.Partial) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, p events.Partial) error

func (f EmitterFunc) Emit(ctx context.Context, p events.Partial) error {
	return f(ctx, p)
}

// ProductRegistration is the body of a register call.
type ProductRegistration struct {
	ProductID    string   `json:"productId"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
}

// ProductRegistry tracks registered products in registration order.
// Records are never removed, only marked inactive.
type ProductRegistry struct {
	mu       sync.RWMutex
	order    []string
	products map[string]*store.Product

	store   store.Store
	emitter Emitter
	clock   clock.Clock
}

// NewProductRegistry creates a registry. s and emitter may be nil.
func NewProductRegistry(s store.Store, emitter Emitter, clk clock.Clock) *ProductRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &ProductRegistry{
		products: make(map[string]*store.Product),
		store:    s,
		emitter:  emitter,
		clock:    clk,
	}
}

// Load hydrates the registry from the store, keeping stored order.
func (r *ProductRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	products, err := r.store.ListProducts(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range products {
		if _, exists := r.products[p.ID]; !exists {
			r.order = append(r.order, p.ID)
		}
		r.products[p.ID] = p
	}
	r.updateGauge()
	log.Printf("[REGISTRY] Loaded %d products from store", len(products))
	return nil
}

// Register upserts a product as active. Repeated registration of the same
// id keeps one record and its original position.
func (r *ProductRegistry) Register(ctx context.Context, reg ProductRegistration) (*store.Product, error) {
	id := strings.TrimSpace(reg.ProductID)
	if id == "" {
		return nil, errs.Validation("productId", "is required")
	}

	now := r.clock.Now().UTC()

	r.mu.Lock()
	p, exists := r.products[id]
	if !exists {
		p = &store.Product{ID: id, RegisteredAt: now}
		r.products[id] = p
		r.order = append(r.order, id)
	}
	p.Name = reg.Name
	p.Category = reg.Category
	p.Endpoint = reg.Endpoint
	p.Capabilities = append([]string(nil), reg.Capabilities...)
	p.Status = store.ProductActive
	p.LastSeen = now
	snapshot := copyProduct(p)
	r.persist(ctx, snapshot)
	r.updateGauge()
	r.mu.Unlock()

	log.Printf("[REGISTRY] Product registered: %s (%s)", id, reg.Name)
	r.emit(ctx, events.TypeProductRegistered, snapshot)
	return snapshot, nil
}

// List returns every known product, inactive included, in registration order.
func (r *ProductRegistry) List() []*store.Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*store.Product, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, copyProduct(r.products[id]))
	}
	return result
}

func (r *ProductRegistry) Get(productID string) (*store.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok {
		return nil, errs.NotFound("product", productID)
	}
	return copyProduct(p), nil
}

// Count returns the number of known products.
func (r *ProductRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Heartbeat refreshes lastSeen. An inactive product flips back to active
// and a reconnect event is emitted.
func (r *ProductRegistry) Heartbeat(ctx context.Context, productID string) (*store.Product, error) {
	r.mu.Lock()
	p, ok := r.products[productID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.NotFound("product", productID)
	}
	reconnected := p.Status != store.ProductActive
	p.Status = store.ProductActive
	p.LastSeen = r.clock.Now().UTC()
	snapshot := copyProduct(p)
	r.persist(ctx, snapshot)
	if reconnected {
		r.updateGauge()
	}
	r.mu.Unlock()

	if reconnected {
		log.Printf("[REGISTRY] Product %s reconnected", productID)
		r.emit(ctx, events.TypeProductReconnected, snapshot)
	}
	return snapshot, nil
}

// MarkInactive is called when a product's transport connection drops.
func (r *ProductRegistry) MarkInactive(ctx context.Context, productID string) error {
	r.mu.Lock()
	p, ok := r.products[productID]
	if !ok {
		r.mu.Unlock()
		return errs.NotFound("product", productID)
	}
	changed := p.Status != store.ProductInactive
	p.Status = store.ProductInactive
	snapshot := copyProduct(p)
	if changed {
		r.persist(ctx, snapshot)
		r.updateGauge()
	}
	r.mu.Unlock()

	if changed {
		log.Printf("[REGISTRY] Product %s marked inactive", productID)
		r.emit(ctx, events.TypeProductInactive, snapshot)
	}
	return nil
}

// MarkStale marks every active product not seen since cutoff as inactive and
// returns their ids.
func (r *ProductRegistry) MarkStale(ctx context.Context, cutoff time.Time) []string {
	r.mu.Lock()
	var marked []*store.Product
	for _, id := range r.order {
		p := r.products[id]
		if p.Status != store.ProductActive || !p.LastSeen.Before(cutoff) {
			continue
		}
		p.Status = store.ProductInactive
		snapshot := copyProduct(p)
		r.persist(ctx, snapshot)
		marked = append(marked, snapshot)
	}
	if len(marked) > 0 {
		r.updateGauge()
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(marked))
	for _, p := range marked {
		log.Printf("[REGISTRY] Product %s heartbeat expired (last seen %v), marked inactive", p.ID, p.LastSeen)
		r.emit(ctx, events.TypeProductInactive, p)
		ids = append(ids, p.ID)
	}
	return ids
}

// FindByCapability returns products advertising capability c, active ones first.
func (r *ProductRegistry) FindByCapability(c string) []*store.Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active, inactive []*store.Product
	for _, id := range r.order {
		p := r.products[id]
		if !p.HasCapability(c) {
			continue
		}
		if p.Status == store.ProductActive {
			active = append(active, copyProduct(p))
		} else {
			inactive = append(inactive, copyProduct(p))
		}
	}
	return append(active, inactive...)
}

// persist writes through to the store. Caller holds r.mu so writes for the
// same product reach the store in order.
func (r *ProductRegistry) persist(ctx context.Context, p *store.Product) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertProduct(ctx, p); err != nil {
		log.Printf("[REGISTRY] Failed to persist product %s: %v", p.ID, err)
	}
}

func (r *ProductRegistry) emit(ctx context.Context, eventType string, p *store.Product) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, events.Partial{Type: eventType, Payload: p}); err != nil {
		log.Printf("[REGISTRY] Failed to emit %s for %s: %v", eventType, p.ID, err)
	}
}

// updateGauge refreshes the status gauge. Caller holds r.mu.
func (r *ProductRegistry) updateGauge() {
	active := 0
	for _, p := range r.products {
		if p.Status == store.ProductActive {
			active++
		}
	}
	observability.ProductsRegistered.WithLabelValues(string(store.ProductActive)).Set(float64(active))
	observability.ProductsRegistered.WithLabelValues(string(store.ProductInactive)).Set(float64(len(r.products) - active))
}

func copyProduct(p *store.Product) *store.Product {
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	return &c
}
