// Package scenario holds scripted traffic patterns the fuzz client replays
// against the example ledger server.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/chosenoffset/aspect/pkg/aspect"
)

type Scenario interface {
	Name() string
	Run(ctx context.Context, client *http.Client, baseURL string) error
}

// Builtin returns every scenario shipped with the example.
func Builtin() []Scenario {
	return []Scenario{Overdraft{}, Burst{Workers: 8, Transfers: 20}, Correlated{}}
}

// Send posts body as JSON and attaches shared as the cross-process joinpoint
// context when it is not nil. It returns the response status.
func Send(ctx context.Context, client *http.Client, url string, body any, shared map[string]any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if shared != nil {
		if err := aspect.InjectShared(req, shared); err != nil {
			return 0, err
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func account(ctx context.Context, client *http.Client, baseURL, id string, balance float64) error {
	code, err := Send(ctx, client, baseURL+"/account", map[string]any{"id": id, "balance": balance}, nil)
	if err != nil {
		return err
	}
	if code != http.StatusCreated && code != http.StatusConflict {
		return fmt.Errorf("create %s: unexpected status %d", id, code)
	}
	return nil
}

// Overdraft drains an account and then keeps trying to transfer from it.
type Overdraft struct{}

func (Overdraft) Name() string { return "overdraft" }

func (Overdraft) Run(ctx context.Context, client *http.Client, baseURL string) error {
	from, to := "od-"+uuid.NewString()[:8], "od-sink"
	if err := account(ctx, client, baseURL, from, 10); err != nil {
		return err
	}
	if err := account(ctx, client, baseURL, to, 0); err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		code, err := Send(ctx, client, baseURL+"/transfer", map[string]any{"from": from, "to": to, "amount": 4}, nil)
		if err != nil {
			return err
		}
		if i >= 2 && code != http.StatusBadRequest {
			return fmt.Errorf("transfer %d: expected overdraft rejection, got %d", i, code)
		}
	}
	return nil
}

// Burst fires concurrent transfers between two accounts.
type Burst struct {
	Workers   int
	Transfers int
}

func (Burst) Name() string { return "burst" }

func (b Burst) Run(ctx context.Context, client *http.Client, baseURL string) error {
	if err := account(ctx, client, baseURL, "burst-a", 1e6); err != nil {
		return err
	}
	if err := account(ctx, client, baseURL, "burst-b", 1e6); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, b.Workers)
	for i := 0; i < b.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "burst-a", "burst-b"
			if i%2 == 1 {
				from, to = to, from
			}
			for j := 0; j < b.Transfers; j++ {
				if _, err := Send(ctx, client, baseURL+"/transfer", map[string]any{"from": from, "to": to, "amount": 1}, nil); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Correlated tags a transfer with a request id carried in the shared
// context header, so server-side advices can log and trace it.
type Correlated struct{}

func (Correlated) Name() string { return "correlated" }

func (Correlated) Run(ctx context.Context, client *http.Client, baseURL string) error {
	if err := account(ctx, client, baseURL, "corr-a", 100); err != nil {
		return err
	}
	if err := account(ctx, client, baseURL, "corr-b", 0); err != nil {
		return err
	}
	shared := map[string]any{"request_id": uuid.NewString(), "origin": "fuzz"}
	code, err := Send(ctx, client, baseURL+"/transfer", map[string]any{"from": "corr-a", "to": "corr-b", "amount": 1}, shared)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusBadRequest {
		return fmt.Errorf("correlated transfer: unexpected status %d", code)
	}
	return nil
}
