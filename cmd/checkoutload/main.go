package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stockguard/pkg/checkoutclient"
)

// Every buyer races for the same SKU. The run fails if more credentials were
// handed out than the SKU had, or if any credential went to two orders.
func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "stockguard base URL")
		sku      = flag.String("sku", "SKU-1", "SKU every buyer orders")
		buyers   = flag.Int("buyers", 50, "number of concurrent buyers (buyer-1..buyer-N must exist)")
		qty      = flag.Int("qty", 1, "units per order")
		promo    = flag.String("promo", "", "promo code to apply")
		retries  = flag.Int("retries", 10, "client retries on busy/contention")
		duration = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	c := checkoutclient.New(*baseURL, &http.Client{Timeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	before, err := c.GetStock(ctx, *sku)
	if err != nil {
		log.Fatalf("read stock: %v", err)
	}

	var (
		okCount   int64
		stockOut  int64
		busy      int64
		otherErrs int64
		replayed  int64

		mu      sync.Mutex
		secrets = map[string]string{} // secret -> order
		dupes   int
		lat     []time.Duration
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 1; i <= *buyers; i++ {
		buyer := fmt.Sprintf("buyer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			t0 := time.Now()
			order, err := c.CreateOrderWithRetry(ctx, checkoutclient.OrderRequest{
				BuyerID:   buyer,
				Items:     []checkoutclient.Item{{SKUID: *sku, Quantity: *qty}},
				PromoCode: *promo,
			}, checkoutclient.RetryOptions{MaxRetries: *retries})
			took := time.Since(t0)

			switch {
			case err == nil:
				atomic.AddInt64(&okCount, 1)
				if order.Replayed {
					atomic.AddInt64(&replayed, 1)
				}
				mu.Lock()
				for _, cred := range order.Credentials {
					if prev, seen := secrets[cred.Secret]; seen && prev != order.OrderID {
						dupes++
					}
					secrets[cred.Secret] = order.OrderID
				}
				lat = append(lat, took)
				mu.Unlock()
			case checkoutclient.IsStockOut(err):
				atomic.AddInt64(&stockOut, 1)
			case checkoutclient.IsBusy(err):
				atomic.AddInt64(&busy, 1)
			default:
				atomic.AddInt64(&otherErrs, 1)
				log.Printf("%s: %v", buyer, err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	after, err := c.GetStock(context.Background(), *sku)
	if err != nil {
		log.Fatalf("read stock: %v", err)
	}

	sold := int(okCount) * *qty
	oversold := sold > before.Available
	leaked := before.Available+before.Reserved+before.Sold != after.Available+after.Reserved+after.Sold

	fmt.Println("=== stockguard contention test ===")
	fmt.Printf("duration: %s, buyers: %d, sku: %s, qty: %d\n", elapsed, *buyers, *sku, *qty)
	fmt.Printf("available_before: %d\n", before.Available)
	fmt.Printf("orders_ok:        %d\n", okCount)
	fmt.Printf("replayed:         %d\n", replayed)
	fmt.Printf("stock_out:        %d\n", stockOut)
	fmt.Printf("busy_gave_up:     %d\n", busy)
	fmt.Printf("errors:           %d\n", otherErrs)
	fmt.Printf("stock_after:      available=%d reserved=%d sold=%d\n", after.Available, after.Reserved, after.Sold)
	fmt.Printf("duplicate_creds:  %d\n", dupes)
	if len(lat) > 0 {
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		fmt.Printf("latency p50=%s p99=%s\n", lat[len(lat)/2], lat[len(lat)*99/100])
	}

	if oversold || dupes > 0 || leaked {
		fmt.Println("FAIL: inventory invariant violated")
		os.Exit(1)
	}
	fmt.Println("OK: no oversell")
}
