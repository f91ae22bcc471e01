// Command seeder populates a running server with demo agents and listings
// so the marketplace can be exercised by hand. It talks to the public API
// only, same as a real agent would.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) post(path, apiKey string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e map[string]any
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %v", http.MethodPost, path, resp.StatusCode, e)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type agent struct {
	ID     string `json:"agent_id"`
	APIKey string `json:"api_key"`
}

func main() {
	base := flag.String("base", "http://localhost:8080", "server base URL")
	flag.Parse()

	c := &client{base: *base, http: &http.Client{Timeout: 10 * time.Second}}

	names := []string{"crawler-bot", "pricing-bot", "arbitrage-bot"}
	agents := make([]agent, 0, len(names))
	for _, name := range names {
		var a agent
		err := c.post("/agents/register", "", map[string]any{"name": name}, &a)
		if err != nil {
			log.Fatalf("register %s: %v", name, err)
		}
		agents = append(agents, a)
		fmt.Printf("%-14s id=%s api_key=%s\n", name, a.ID, a.APIKey)
	}

	seller := agents[0]
	var listing struct {
		ID string `json:"id"`
	}
	listings := []map[string]any{
		{"title": "hourly sentiment feed", "listing_type": "fixed_price", "price": "12.50", "quantity": 5},
		{"title": "historical order book dump", "listing_type": "negotiable", "price": "80"},
		{"title": "gpu hour (spot)", "listing_type": "auction", "price": "5",
			"ends_at": time.Now().Add(2 * time.Minute).UTC().Format(time.RFC3339)},
	}
	for _, body := range listings {
		if err := c.post("/listings", seller.APIKey, body, &listing); err != nil {
			log.Fatalf("create listing %q: %v", body["title"], err)
		}
		fmt.Printf("listing %-28s id=%s\n", body["title"], listing.ID)

		switch body["listing_type"] {
		case "auction":
			if err := c.post("/listings/"+listing.ID+"/bids", agents[1].APIKey, map[string]any{"amount": "6"}, nil); err != nil {
				log.Fatalf("seed bid: %v", err)
			}
		case "negotiable":
			if err := c.post("/listings/"+listing.ID+"/offers", agents[2].APIKey, map[string]any{"amount": "55"}, nil); err != nil {
				log.Fatalf("seed offer: %v", err)
			}
		}
	}
	fmt.Println("seed complete")
}
