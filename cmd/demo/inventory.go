package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chosenoffset/aspect/pkg/aspect"
)

var errOutOfStock = errors.New("out of stock")

// inventory is the toy service the demo weaves advices onto.
type inventory struct {
	mu    sync.Mutex
	stock map[string]int

	scope   *aspect.Scope
	Stock   *aspect.Target
	Reserve *aspect.Target
	Restock *aspect.Target
}

func newInventory() (*inventory, error) {
	inv := &inventory{
		stock: map[string]int{"apple": 20, "pear": 10, "plum": 5},
		scope: aspect.NewScope("inventory"),
	}

	var err error
	if inv.Stock, err = inv.scope.Go("Stock", inv.stockOf); err != nil {
		return nil, err
	}
	if inv.Reserve, err = inv.scope.Go("Reserve", inv.reserve); err != nil {
		return nil, err
	}
	if inv.Restock, err = inv.scope.Go("Restock", inv.restock); err != nil {
		return nil, err
	}
	if _, err = inv.scope.Go("audit", func() int { return len(inv.skus()) }); err != nil {
		return nil, err
	}
	inv.scope.Native("Now", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return time.Now(), nil
	})
	return inv, nil
}

func (inv *inventory) stockOf(sku string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stock[sku]
}

func (inv *inventory) reserve(ctx context.Context, sku string, qty int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stock[sku] < qty {
		return fmt.Errorf("reserve %d %s: %w", qty, sku, errOutOfStock)
	}
	inv.stock[sku] -= qty
	return nil
}

func (inv *inventory) restock(sku string, qty int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stock[sku] += qty
}

func (inv *inventory) skus() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.stock))
	for sku := range inv.stock {
		out = append(out, sku)
	}
	return out
}
